package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/metrics"
)

var (
	metricsURL    string
	metricsPrefix string
)

// metricsCmd represents the metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the server's Prometheus metrics",
	Long: `Scrape the metrics endpoint and print every series as a table.

By default /metrics is read from the API server. When metrics are served on
their own address (metrics.addr), pass it with --url.`,
	RunE: runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsURL, "url", "", "full metrics URL (default <server>/metrics)")
	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "reelmix_", "only show series with this name prefix")
}

// scrapeMetrics fetches and decodes the text exposition at target
func scrapeMetrics(target string) ([]metrics.Sample, error) {
	req, err := CreateAuthenticatedRequest(http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	if req.URL, err = req.URL.Parse(target); err != nil {
		return nil, fmt.Errorf("invalid metrics URL %q: %w", target, err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return metrics.ParseText(resp.Body)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	target := metricsURL
	if target == "" {
		target = GetServerURL() + "/metrics"
	}

	samples, err := scrapeMetrics(target)
	if err != nil {
		return err
	}

	shown := samples[:0]
	for _, s := range samples {
		if strings.HasPrefix(s.Name, metricsPrefix) {
			shown = append(shown, s)
		}
	}

	if IsJSONOutput() {
		return printJSON(shown)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Type", "Labels", "Value")
	for _, s := range shown {
		table.Append(s.Name, s.Type, s.LabelString(), fmt.Sprintf("%g", s.Value))
	}
	table.Render()
	fmt.Printf("\nTotal series: %d\n", len(shown))
	return nil
}
