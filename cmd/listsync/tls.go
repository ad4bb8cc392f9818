package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/tls"
)

var (
	tlsRenewTimeout time.Duration
	tlsForceRenew   bool
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "TLS certificate management for the API listener",
}

var tlsRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Obtain or renew certificates via ACME",
	Long: `Start a temporary HTTP server on api.tls.acme.http_addr to answer the ACME
HTTP-01 challenge and obtain or renew certificates from Let's Encrypt.

Run it while listsync is stopped; the running server renews on its own.`,
	RunE: runTLSRenew,
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show TLS certificate status",
	RunE:  runTLSStatus,
}

func init() {
	tlsRenewCmd.Flags().DurationVar(&tlsRenewTimeout, "timeout", 2*time.Minute, "timeout for certificate renewal")
	tlsRenewCmd.Flags().BoolVar(&tlsForceRenew, "force", false, "force renewal even if certificates are valid")

	tlsCmd.AddCommand(tlsRenewCmd, tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSRenew(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.TLS.ACME.Enabled {
		return fmt.Errorf("ACME is not enabled in configuration")
	}

	provider, err := tls.New(cfg.API.TLS)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !tlsForceRenew {
		certs, err := provider.Certificates(ctx)
		if err == nil && len(certs) == len(cfg.API.TLS.ACME.Domains) && !anyDue(certs) {
			printCertificates(certs)
			fmt.Println("\nAll certificates are valid. Use --force to renew anyway.")
			return nil
		}
	}

	httpServer := &http.Server{
		Addr: cfg.API.TLS.ACME.HTTPAddr,
		Handler: provider.ChallengeHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "ACME challenge server", http.StatusNotFound)
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("Starting ACME HTTP challenge server on %s...\n", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Give the listener a moment to fail on a busy port
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start HTTP server: %w (is %s available?)", err, httpServer.Addr)
		}
	default:
	}

	fmt.Println("Obtaining certificates...")
	certCtx, certCancel := context.WithTimeout(ctx, tlsRenewTimeout)
	certs, err := provider.Obtain(certCtx)
	certCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Printf("Warning: HTTP server shutdown error: %v\n", shutdownErr)
	}

	if err != nil {
		return fmt.Errorf("failed to obtain certificates: %w", err)
	}

	fmt.Println()
	printCertificates(certs)
	return nil
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := tls.New(cfg.API.TLS)
	if err != nil {
		return err
	}
	if provider == nil {
		fmt.Println("TLS is not configured")
		return nil
	}

	certs, err := provider.Certificates(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read certificates: %w", err)
	}
	if len(certs) == 0 {
		fmt.Println("ACME certificates not found in cache.")
		fmt.Println("Run 'listsync tls renew' to obtain certificates.")
		return nil
	}

	if provider.ACME() {
		fmt.Println("ACME Certificates:")
	} else {
		fmt.Printf("TLS Certificate (%s):\n", cfg.API.TLS.CertFile)
	}
	printCertificates(certs)
	return nil
}

func anyDue(certs []tls.CertificateInfo) bool {
	for _, c := range certs {
		if c.DueForRenewal() {
			return true
		}
	}
	return false
}

func printCertificates(certs []tls.CertificateInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tISSUER\tVALID UNTIL\tDAYS LEFT\tSTATUS")
	for _, c := range certs {
		status := "OK"
		if c.DueForRenewal() {
			status = "RENEWAL NEEDED"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			c.Domain,
			valueOr(c.Issuer, "-"),
			c.NotAfter.Format(time.RFC3339),
			c.DaysLeft,
			status,
		)
	}
	w.Flush()
}
