package models

import "time"

// Output is one rendered video produced by a plan
type Output struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	PlanIndex   int            `json:"plan_index"`
	Path        string         `json:"-"`
	Filename    string         `json:"filename"`
	Format      string         `json:"format"`
	ContentType string         `json:"content_type"`
	Duration    float64        `json:"duration"`
	SizeBytes   int64          `json:"size_bytes"`
	Metadata    OutputMetadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// OutputMetadata is the descriptive metadata embedded in an output
type OutputMetadata struct {
	SourceClipIDs []string          `json:"source_clip_ids"`
	CreatedAt     time.Time         `json:"created_at"`
	CampaignTags  map[string]string `json:"campaign_tags,omitempty"`
}

// PlanFailure records why a plan produced no output
type PlanFailure struct {
	JobID       string    `json:"job_id"`
	PlanIndex   int       `json:"plan_index"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	Diagnostics string    `json:"diagnostics,omitempty"` // operator-only subprocess output
	CreatedAt   time.Time `json:"created_at"`
}
