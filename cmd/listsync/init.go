package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/dkim"
)

var (
	initOutput       string
	initAPIKey       string
	initMailchimpKey string
	initDataDir      string
	initCache        string
	initRedisAddr    string
	initNotifyFrom   string
	initNotifyTo     string
	initNotifyHost   string
	initDKIM         bool
	initForce        bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize listsync configuration",
	Long: `Interactive wizard to create a listsync configuration file.

This command helps you set up listsync by:
  1. Creating a configuration file with a generated admin API key
  2. Optionally enabling admin notification mail
  3. Optionally generating a DKIM key for that mail

Examples:
  # Interactive mode - prompts for missing values
  listsync init

  # Non-interactive with flags
  listsync init --data-dir /var/lib/listsync --cache redis --notify-to admin@example.com

  # Quick setup for testing
  listsync init --data-dir ./data -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Admin API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initMailchimpKey, "mailchimp-key", "", "Mailchimp API key for the default site")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/listsync", "Data directory for the database and keys")
	initCmd.Flags().StringVar(&initCache, "cache", "", "Metadata cache backend: memory, redis")
	initCmd.Flags().StringVar(&initRedisAddr, "redis-addr", "localhost:6379", "Redis address for the redis cache")
	initCmd.Flags().StringVar(&initNotifyTo, "notify-to", "", "Admin address for submission notifications")
	initCmd.Flags().StringVar(&initNotifyFrom, "notify-from", "", "Sender address for notifications")
	initCmd.Flags().StringVar(&initNotifyHost, "notify-host", "", "SMTP relay host for notifications")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate a DKIM key for notification mail")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("listsync Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initMailchimpKey == "" {
		initMailchimpKey = prompt(reader, "Mailchimp API key (empty to set it later)", "")
	}

	if initCache == "" {
		initCache = prompt(reader, "Metadata cache backend (memory/redis)", "memory")
	}
	if initCache != "memory" && initCache != "redis" {
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", initCache)
	}
	if initCache == "redis" {
		initRedisAddr = prompt(reader, "Redis address", initRedisAddr)
	}

	if initNotifyTo == "" {
		initNotifyTo = prompt(reader, "Admin address for notifications (empty to disable)", "")
	}
	if initNotifyTo != "" {
		if initNotifyFrom == "" {
			initNotifyFrom = prompt(reader, "Sender address", "listsync@"+domainOf(initNotifyTo))
		}
		if initNotifyHost == "" {
			initNotifyHost = prompt(reader, "SMTP relay host", "localhost")
		}
		if !initDKIM {
			answer := prompt(reader, "Generate DKIM key? [y/N]", "n")
			initDKIM = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
		}
	} else {
		initDKIM = false
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated admin API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var kp *dkim.KeyPair
	var dkimKeyPath string
	if initDKIM {
		dkimDir := filepath.Join(initDataDir, "dkim")
		if err := os.MkdirAll(dkimDir, 0700); err != nil {
			return fmt.Errorf("failed to create DKIM directory: %w", err)
		}

		domain := domainOf(initNotifyFrom)
		var err error
		kp, err = dkim.GenerateKey(domain, "listsync", dkim.DefaultKeyBits)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}

		dkimKeyPath = filepath.Join(dkimDir, domain+".key")
		if err := kp.Save(dkimKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(dkimKeyPath)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if kp != nil {
		printDNSRecord(kp)
		fmt.Println()
	}
	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return strings.Trim(address[i+1:], "> ")
	}
	return address
}

func generateConfig(dkimKeyPath string) string {
	mailchimpKey := `  # api_key: "xxxxxxxx-us1"  # or set LISTSYNC_MAILCHIMP_API_KEY`
	if initMailchimpKey != "" {
		mailchimpKey = fmt.Sprintf(`  api_key: "%s"`, initMailchimpKey)
	}

	notifySection := `notify:
  enabled: false`
	if initNotifyTo != "" {
		dkimSection := `  dkim:
    enabled: false`
		if dkimKeyPath != "" {
			dkimSection = fmt.Sprintf(`  dkim:
    enabled: true
    selector: "listsync"
    key_file: "%s"`, dkimKeyPath)
		}
		notifySection = fmt.Sprintf(`notify:
  enabled: true
  host: "%s"
  port: 587
  tls: starttls
  from: "%s"
  to:
    - "%s"
%s`, initNotifyHost, initNotifyFrom, initNotifyTo, dkimSection)
	}

	return fmt.Sprintf(`# listsync configuration
# Generated by: listsync init

api:
  listen_addr: ":8080"
  api_key: "%s"
  max_header_bytes: 1048576  # 1 MB
  max_body_bytes: 1048576
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

mailchimp:
%s
  timeout: 30s
  max_retries: 2

cache:
  backend: %s
  ttl: 1h
  redis:
    addr: "%s"

storage:
  path: "%s/listsync.db"
  retention:
    delivered_max_age: 720h
    cleanup_interval: 1h

outbox:
  enabled: true
  workers: 2
  retry_interval: 5m
  max_retries: 8
  process_interval: 10s

dlq:
  max_age: 720h
  max_count: 10000

%s

rate_limit:
  enabled: true
  default_ip:
    submissions_per_hour: 20
    submissions_per_day: 100

logging:
  level: "info"
  format: "json"

metrics:
  enabled: false
  listen_addr: ":9090"
`,
		initAPIKey,
		mailchimpKey,
		initCache,
		initRedisAddr,
		initDataDir,
		notifySection,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	if initMailchimpKey == "" {
		fmt.Println("1. Set the Mailchimp API key:")
		fmt.Printf("   listsync settings set -c %s --key-stdin\n", initOutput)
	} else {
		fmt.Println("1. Check the Mailchimp connection:")
		fmt.Printf("   listsync settings show -c %s\n", initOutput)
	}
	fmt.Println()
	fmt.Println("2. Import pages:")
	fmt.Printf("   listsync page import -c %s pages.yaml\n", initOutput)
	fmt.Println()
	fmt.Println("3. Start the server:")
	fmt.Printf("   listsync serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("Admin API Key: %s\n", initAPIKey)
	fmt.Println()
}
