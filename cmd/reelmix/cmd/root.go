package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/internal/config"
	tlsutil "github.com/reelmix/reelmix/pkg/tls"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

var (
	cfgFile      string
	serverURL    string
	apiKey       string
	outputFormat string

	cfg        *config.Config
	httpClient = &http.Client{Timeout: 60 * time.Second}
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "reelmix",
	Short:   "Batch video remix service",
	Long:    `reelmix turns a project's clips into many distinct short-form videos, charging credits per output.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		if serverURL == "" {
			serverURL = cfg.Client.URL
		}
		if apiKey == "" {
			apiKey = cfg.Client.APIKey
		}

		if cfg.Client.CAFile != "" || cfg.Client.TLSCert != "" {
			tlsConfig, err := tlsutil.ClientConfig(cfg.Client.CAFile, cfg.Client.TLSCert, cfg.Client.TLSKey)
			if err != nil {
				return err
			}
			httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reelmix/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "reelmix API URL (default from client.url)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from client.api_key or REELMIX_CLIENT_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used for API calls
func GetHTTPClient() *http.Client {
	return httpClient
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if an API key is configured
func CreateAuthenticatedRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, GetServerURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
