package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/service"
)

var (
	estimateProject      string
	estimateOutputCount  int
	estimateSettingsFile string
)

// estimateCmd represents the estimate command
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Price a mix request without reserving credits",
	Long: `Price a mix request. With --project the project's clips bound the number
of achievable outputs; --settings overrides the project's stored settings
with a JSON settings document.`,
	Args: cobra.NoArgs,
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)
	estimateCmd.Flags().StringVarP(&estimateProject, "project", "p", "", "project whose clips and settings to use")
	estimateCmd.Flags().IntVarP(&estimateOutputCount, "count", "n", 0, "requested outputs")
	estimateCmd.Flags().StringVarP(&estimateSettingsFile, "settings", "s", "", "JSON settings file")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	if estimateProject == "" && estimateSettingsFile == "" {
		return fmt.Errorf("--project or --settings is required")
	}

	req := service.EstimateRequest{ProjectID: estimateProject, OutputCount: estimateOutputCount}
	if estimateSettingsFile != "" {
		f, err := os.Open(estimateSettingsFile)
		if err != nil {
			return fmt.Errorf("failed to open settings: %w", err)
		}
		defer f.Close()
		settings, err := models.DecodeSettings(f)
		if err != nil {
			return err
		}
		req.Settings = settings
	}

	var est service.Estimate
	if err := doJSON("POST", "/estimate", req, &est); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(est)
	}
	printFields(
		[2]string{"Requested outputs", fmt.Sprintf("%d", est.RequestedOutputs)},
		[2]string{"Achievable outputs", fmt.Sprintf("%d", est.AchievableOutputs)},
		[2]string{"Multiplier", fmt.Sprintf("%.2fx", est.Multiplier)},
		[2]string{"Credits per output", fmt.Sprintf("%d", est.PerOutput)},
		[2]string{"Total credits", fmt.Sprintf("%d", est.Total)},
	)
	return nil
}
