package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
	dkimBits     int
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management for notification mail",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA DKIM key pair and print the DNS record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the published DKIM record against a key",
	RunE:  runDKIMCheck,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "listsync", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.Flags().IntVar(&dkimBits, "bits", dkim.DefaultKeyBits, "RSA key size")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "listsync", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCheckCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimCheckCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimCheckCmd.Flags().StringVar(&dkimSelector, "selector", "listsync", "DKIM selector")
	dkimCheckCmd.MarkFlagRequired("key")
	dkimCheckCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimCheckCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	if err := kp.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDNSRecord(kp)
	fmt.Printf("\nSet notify.dkim.key_file to %s and notify.dkim.selector to %s\n", keyPath, dkimSelector)

	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	kp, err := dkim.LoadKeyPair(dkimKeyFile, dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	printDNSRecord(kp)
	return nil
}

func runDKIMCheck(cmd *cobra.Command, args []string) error {
	kp, err := dkim.LoadKeyPair(dkimKeyFile, dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := dkim.CheckRecord(ctx, net.DefaultResolver, kp)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s (%s)\n", result.Name, result.Status, result.Message)
	if result.Status != dkim.StatusOK {
		fmt.Println()
		printDNSRecord(kp)
		return fmt.Errorf("DKIM record check failed: %s", result.Status)
	}
	return nil
}

func printDNSRecord(kp *dkim.KeyPair) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", kp.DNSRecord())
}
