package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/listsync/internal/app"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/settings"
)

var (
	settingsSite     string
	settingsAudience string
	settingsKeyStdin bool
	settingsClearKey bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Per-site Mailchimp settings",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the Mailchimp API key and default audience of a site",
	Long: `Set the Mailchimp API key of a site. The key is checked against the
Mailchimp API before it is stored and is read without echo.`,
	RunE: runSettingsSet,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show site settings with masked API keys",
	RunE:  runSettingsShow,
}

func init() {
	settingsCmd.PersistentFlags().StringVar(&settingsSite, "site", settings.DefaultSiteID, "Site ID")

	settingsSetCmd.Flags().StringVar(&settingsAudience, "audience", "", "Default audience ID")
	settingsSetCmd.Flags().BoolVar(&settingsKeyStdin, "key-stdin", false, "Read the API key from standard input")
	settingsSetCmd.Flags().BoolVar(&settingsClearKey, "clear-key", false, "Remove the API key (disables the integration)")

	settingsCmd.AddCommand(settingsSetCmd, settingsShowCmd)
	rootCmd.AddCommand(settingsCmd)
}

func openSettings() (*settings.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	storage, err := outbox.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newClient := app.MailchimpFactory(cfg.Mailchimp, logger)
	store, err := settings.NewStore(storage.DB(), func(apiKey string) settings.Pinger {
		return newClient(apiKey)
	}, cfg.Mailchimp.APIKey)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}

	return store, func() { storage.Close() }, nil
}

func readAPIKey() (string, error) {
	if settingsKeyStdin || !term.IsTerminal(int(syscall.Stdin)) {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
		if err != nil {
			return "", fmt.Errorf("failed to read API key: %w", err)
		}
		return string(data), nil
	}

	fmt.Print("Mailchimp API key: ")
	key, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return string(key), nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openSettings()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	site, err := store.Get(ctx, settingsSite)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	if site == nil {
		site = &settings.Site{SiteID: settingsSite}
	}

	// --audience alone keeps the stored key
	switch {
	case settingsClearKey:
		site.APIKey = ""
	case !cmd.Flags().Changed("audience") || settingsKeyStdin:
		key, err := readAPIKey()
		if err != nil {
			return err
		}
		site.APIKey = key
	}
	if cmd.Flags().Changed("audience") {
		site.DefaultAudienceID = settingsAudience
	}

	if err := store.Save(ctx, site); err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid %s: %s", verr.Field, verr.Message)
		}
		return fmt.Errorf("failed to save settings: %w", err)
	}

	masked := site.Masked()
	fmt.Printf("Settings of site %s saved\n", site.SiteID)
	fmt.Printf("  API key:  %s\n", valueOr(masked.APIKey, "(not set)"))
	fmt.Printf("  Audience: %s\n", valueOr(masked.DefaultAudienceID, "(not set)"))
	return nil
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openSettings()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()

	var sites []*settings.Site
	if cmd.Flags().Changed("site") {
		site, err := store.Resolve(ctx, settingsSite)
		if err != nil {
			return fmt.Errorf("failed to get settings: %w", err)
		}
		sites = append(sites, site)
	} else {
		sites, err = store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list settings: %w", err)
		}
	}

	if len(sites) == 0 {
		fmt.Println("No site settings stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tAPI KEY\tAUDIENCE\tUPDATED")
	for _, site := range sites {
		masked := site.Masked()
		updated := "-"
		if !site.UpdatedAt.IsZero() {
			updated = site.UpdatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			site.SiteID,
			valueOr(masked.APIKey, "(not set)"),
			valueOr(site.DefaultAudienceID, "-"),
			updated,
		)
	}
	return w.Flush()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
