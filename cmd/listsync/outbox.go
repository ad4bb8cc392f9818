package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/outbox"
)

var (
	outboxListStatus string
	outboxListLimit  int
	outboxListListID string
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Retry queue management commands",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued add-member calls",
	RunE:  runOutboxList,
}

var outboxShowCmd = &cobra.Command{
	Use:   "show <entry_id>",
	Short: "Show entry details",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxShow,
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox statistics",
	RunE:  runOutboxStats,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <entry_id>",
	Short: "Retry a failed or deferred entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

var outboxDeleteCmd = &cobra.Command{
	Use:   "delete <entry_id>",
	Short: "Delete an entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxDelete,
}

func init() {
	outboxListCmd.Flags().StringVar(&outboxListStatus, "status", "", "Filter by status (pending, sending, delivered, failed, deferred)")
	outboxListCmd.Flags().IntVar(&outboxListLimit, "limit", 50, "Maximum number of entries to show")
	outboxListCmd.Flags().StringVar(&outboxListListID, "list", "", "Filter by audience ID")

	outboxCmd.AddCommand(outboxListCmd, outboxShowCmd, outboxStatsCmd, outboxRetryCmd, outboxDeleteCmd)
	rootCmd.AddCommand(outboxCmd)
}

func openStorage() (*outbox.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := outbox.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	return storage, nil
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	entries, err := storage.List(context.Background(), outbox.ListFilter{
		Status: outbox.Status(outboxListStatus),
		ListID: outboxListListID,
		Limit:  outboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Outbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tLIST\tEMAIL\tCREATED\tRETRIES")
	fmt.Fprintln(w, "--\t------\t----\t-----\t-------\t-------")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(e.ID),
			e.Status,
			e.ListID,
			e.Email,
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.RetryCount,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d entries\n", len(entries))

	return nil
}

func runOutboxShow(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	e, err := storage.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get entry: %w", err)
	}
	if e == nil {
		return fmt.Errorf("entry not found: %s", id)
	}

	fmt.Printf("Entry: %s\n\n", e.ID)
	fmt.Printf("Status:      %s\n", e.Status)
	fmt.Printf("Site:        %s\n", e.SiteID)
	if e.PageID != "" {
		fmt.Printf("Page:        %s\n", e.PageID)
	}
	fmt.Printf("Audience:    %s\n", e.ListID)
	fmt.Printf("Email:       %s\n", e.Email)
	fmt.Printf("Created:     %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", e.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Retry Count: %d\n", e.RetryCount)

	if !e.NextRetryAt.IsZero() {
		fmt.Printf("Next Retry:  %s\n", e.NextRetryAt.Format(time.RFC3339))
	}
	if e.Note != "" {
		fmt.Printf("Note:        %s\n", e.Note)
	}
	if e.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", e.LastError)
	}

	fmt.Println("\nPayload:")
	fmt.Println(string(e.Payload))

	return nil
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()

	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get outbox stats: %w", err)
	}

	fmt.Println("Outbox Statistics")
	fmt.Println("=================")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Sending:   %d\n", stats.Sending)
	fmt.Printf("Deferred:  %d\n", stats.Deferred)
	fmt.Printf("Delivered: %d\n", stats.Delivered)
	fmt.Printf("Failed:    %d\n", stats.Failed)

	dlqStats, err := storage.DLQStats(ctx)
	if err == nil && dlqStats.Total > 0 {
		fmt.Println("\nDead Letter Queue")
		fmt.Println("-----------------")
		fmt.Printf("Total:     %d\n", dlqStats.Total)
		fmt.Printf("Size:      %d bytes\n", dlqStats.TotalSize)
		if !dlqStats.OldestAt.IsZero() {
			fmt.Printf("Oldest:    %s\n", dlqStats.OldestAt.Format(time.RFC3339))
		}
	}

	return nil
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Retry(context.Background(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			return fmt.Errorf("entry not found: %s", id)
		}
		return fmt.Errorf("failed to retry entry: %w", err)
	}

	fmt.Printf("Entry %s queued for retry\n", id)
	return nil
}

func runOutboxDelete(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Delete(context.Background(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			return fmt.Errorf("entry not found: %s", id)
		}
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	fmt.Printf("Entry %s deleted\n", id)
	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
