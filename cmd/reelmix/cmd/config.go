package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/auth"
	"github.com/reelmix/reelmix/pkg/logging"
	tlsutil "github.com/reelmix/reelmix/pkg/tls"
)

var (
	certFile  string
	keyFile   string
	certHosts string
	certDays  int
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the effective configuration and producing credentials.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after applying defaults, the config file and
REELMIX_* environment overrides. Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for server.api_key_hash",
	Long: `Print the bcrypt hash of an API key. Without an argument a new random key
is generated and printed together with its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashKey,
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed TLS certificate for the API server",
	Args:  cobra.NoArgs,
	RunE:  runConfigGenCert,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the server log",
	Long: `Print a logrotate stanza for /var/log/reelmix/reelmix.log. Set log.file to
that path for the server to write there.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(logging.GenerateLogrotateConfig("reelmix"))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configLogrotateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)
	configCmd.AddCommand(configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certFile, "cert", "certs/reelmix.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyFile, "key", "certs/reelmix.key", "private key output path")
	configGenCertCmd.Flags().StringVar(&certHosts, "hosts", "", "comma-separated IP addresses and hostnames to add to the SANs")
	configGenCertCmd.Flags().IntVar(&certDays, "days", 365, "validity in days")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	key := ""
	generated := false
	if len(args) == 1 {
		key = args[0]
	} else {
		var err error
		if key, err = auth.GenerateAPIKey(); err != nil {
			return err
		}
		generated = true
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		out := map[string]string{"api_key_hash": hash}
		if generated {
			out["api_key"] = key
		}
		return printJSON(out)
	}
	if generated {
		fmt.Printf("API key:      %s\n", key)
	}
	fmt.Printf("api_key_hash: %s\n", hash)
	if generated {
		fmt.Println("\nStore the key now; only the hash belongs in the server config.")
	}
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	for _, p := range []string{certFile, keyFile} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
	}

	var hosts []string
	for _, h := range strings.Split(certHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}

	opts := tlsutil.CertOptions{
		CommonName: "reelmix",
		Hosts:      hosts,
		ValidFor:   time.Duration(certDays) * 24 * time.Hour,
	}
	if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, opts); err != nil {
		return err
	}

	fmt.Println("Certificate generated")
	fmt.Printf("  server.tls_cert: %s\n", certFile)
	fmt.Printf("  server.tls_key:  %s\n", keyFile)
	fmt.Printf("  client.ca_file:  %s\n", certFile)
	return nil
}
