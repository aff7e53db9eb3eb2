package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/service"
)

var (
	// Job start flags
	startUserID      string
	startOutputCount int

	// Job status flags
	followStatus bool
	listUserID   string
	listStatus   string

	// Download flags
	downloadDir string

	// Failure flags
	showDiagnostics bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage mix jobs",
	Long:  `Commands for starting, inspecting, and canceling mix jobs.`,
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Start a mix job for a project",
	Long: `Start a mix job using the project's stored settings. Credits for every
achievable output are reserved up front and refunded for outputs that fail.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsStart,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a job. If no ID is provided, lists jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a pending or processing job. Outputs already produced are kept.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsOutputsCmd = &cobra.Command{
	Use:   "outputs <job-id>",
	Short: "List a job's outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsOutputs,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <output-id>...",
	Short: "Download outputs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsDownload,
}

var jobsFailuresCmd = &cobra.Command{
	Use:   "failures <job-id>",
	Short: "List a job's failed plans",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsFailures,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStartCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsOutputsCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)
	jobsCmd.AddCommand(jobsFailuresCmd)

	jobsStartCmd.Flags().StringVar(&startUserID, "user", "", "user to charge (required)")
	jobsStartCmd.Flags().IntVar(&startOutputCount, "count", 0, "requested outputs (default from project settings)")
	jobsStartCmd.MarkFlagRequired("user")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until it ends")
	jobsStatusCmd.Flags().StringVar(&listUserID, "user", "", "filter the job list by user")
	jobsStatusCmd.Flags().StringVar(&listStatus, "status", "", "filter the job list by status")

	jobsDownloadCmd.Flags().StringVarP(&downloadDir, "dir", "d", ".", "directory to write files to")

	jobsFailuresCmd.Flags().BoolVar(&showDiagnostics, "diagnostics", false, "include raw transcoder output")
}

func runJobsStart(cmd *cobra.Command, args []string) error {
	req := models.JobRequest{UserID: startUserID, OutputCount: startOutputCount}

	var res service.StartResult
	if err := doJSON("POST", "/projects/"+url.PathEscape(args[0])+"/jobs", req, &res); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(res)
	}
	fmt.Println("Job started")
	printFields(
		[2]string{"Job ID", res.JobID},
		[2]string{"Requested outputs", fmt.Sprintf("%d", res.RequestedOutputs)},
		[2]string{"Planned outputs", fmt.Sprintf("%d", res.PlannedOutputs)},
		[2]string{"Credits deducted", fmt.Sprintf("%d", res.CreditsDeducted)},
	)
	if res.PlannedOutputs < res.RequestedOutputs {
		fmt.Printf("\nOnly %d distinct outputs are achievable from the project's clips.\n", res.PlannedOutputs)
	}
	return nil
}

func fetchStatus(jobID string) (*models.JobStatusView, error) {
	var view models.JobStatusView
	if err := doJSON("GET", "/jobs/"+url.PathEscape(jobID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs()
	}

	view, err := fetchStatus(args[0])
	if err != nil {
		return err
	}

	for followStatus && !models.IsTerminalState(view.Status) {
		if !IsJSONOutput() {
			fmt.Printf("%s  %s  %d%% (%d/%d produced)\n", time.Now().Format("15:04:05"),
				view.Status, view.Progress, view.SucceededPlans, view.PlannedOutputs)
		}
		time.Sleep(2 * time.Second)
		if view, err = fetchStatus(args[0]); err != nil {
			return err
		}
	}

	if IsJSONOutput() {
		return printJSON(view)
	}
	printStatus(view)
	return nil
}

func printStatus(view *models.JobStatusView) {
	pairs := [][2]string{
		{"Job ID", view.JobID},
		{"Status", string(view.Status)},
		{"Progress", fmt.Sprintf("%d%%", view.Progress)},
		{"Planned outputs", fmt.Sprintf("%d", view.PlannedOutputs)},
		{"Succeeded", fmt.Sprintf("%d", view.SucceededPlans)},
		{"Failed", fmt.Sprintf("%d", view.FailedPlans)},
	}
	if view.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", view.ErrorMessage})
	}
	printFields(pairs...)
}

type jobsListResponse struct {
	Jobs  []models.JobStatusView `json:"jobs"`
	Count int                    `json:"count"`
}

func listJobs() error {
	query := url.Values{}
	if listUserID != "" {
		query.Set("user_id", listUserID)
	}
	if listStatus != "" {
		query.Set("status", listStatus)
	}
	path := "/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var result jobsListResponse
	if err := doJSON("GET", path, nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Status", "Progress", "Produced", "Failed", "Error")
	for _, job := range result.Jobs {
		errMsg := job.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		table.Append(
			job.JobID,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			fmt.Sprintf("%d/%d", job.SucceededPlans, job.PlannedOutputs),
			fmt.Sprintf("%d", job.FailedPlans),
			errMsg,
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", result.Count)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	var view models.JobStatusView
	if err := doJSON("POST", "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &view); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(view)
	}
	if view.Status == models.JobStatusCanceled {
		fmt.Printf("Job %s canceled\n", view.JobID)
	} else {
		fmt.Printf("Cancellation requested for job %s (status: %s)\n", view.JobID, view.Status)
	}
	return nil
}

type outputsResponse struct {
	Outputs []models.Output `json:"outputs"`
	Count   int             `json:"count"`
}

func runJobsOutputs(cmd *cobra.Command, args []string) error {
	var result outputsResponse
	if err := doJSON("GET", "/jobs/"+url.PathEscape(args[0])+"/outputs", nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Plan", "Output ID", "File", "Duration", "Size", "Created")
	for _, o := range result.Outputs {
		table.Append(
			fmt.Sprintf("%d", o.PlanIndex),
			o.ID,
			o.Filename,
			fmt.Sprintf("%.1fs", o.Duration),
			formatBytes(o.SizeBytes),
			o.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal outputs: %d\n", result.Count)
	return nil
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", downloadDir, err)
	}
	for _, id := range args {
		path, n, err := downloadOutput(id)
		if err != nil {
			return err
		}
		if !IsJSONOutput() {
			fmt.Printf("%s -> %s (%s)\n", id, path, formatBytes(n))
		}
	}
	return nil
}

func downloadOutput(outputID string) (string, int64, error) {
	req, err := CreateAuthenticatedRequest("GET", "/outputs/"+url.PathEscape(outputID)+"/download", nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to connect to %s: %w", GetServerURL(), err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", 0, err
	}

	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = outputID
	}
	path := filepath.Join(downloadDir, filepath.Base(name))

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to download %s: %w", outputID, err)
	}
	return path, n, nil
}

func filenameFromDisposition(header string) string {
	_, after, ok := strings.Cut(header, "filename=")
	if !ok {
		return ""
	}
	return strings.Trim(after, `"`)
}

type failuresResponse struct {
	Failures []models.PlanFailure `json:"failures"`
	Count    int                  `json:"count"`
}

func runJobsFailures(cmd *cobra.Command, args []string) error {
	path := "/jobs/" + url.PathEscape(args[0]) + "/failures"
	if showDiagnostics {
		path += "?diagnostics=true"
	}

	var result failuresResponse
	if err := doJSON("GET", path, nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Plan", "Kind", "Attempts", "Message")
	for _, f := range result.Failures {
		table.Append(fmt.Sprintf("%d", f.PlanIndex), f.Kind, fmt.Sprintf("%d", f.Attempts), f.Message)
	}
	table.Render()

	if showDiagnostics {
		for _, f := range result.Failures {
			if f.Diagnostics != "" {
				fmt.Printf("\n--- plan %d ---\n%s\n", f.PlanIndex, f.Diagnostics)
			}
		}
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
