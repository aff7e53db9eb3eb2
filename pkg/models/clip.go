package models

// Clip is an uploaded source video. Clips are owned by the catalog and only
// referenced by id and path.
type Clip struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	GroupID   string  `json:"group_id,omitempty"` // empty = ungrouped
	Duration  float64 `json:"duration"`           // seconds
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Codec     string  `json:"codec,omitempty"`
	HasAudio  bool    `json:"has_audio"`
	Path      string  `json:"path"`
}

// Group is a bucket of interchangeable clips occupying one output slot
type Group struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Name         string  `json:"name"`
	DisplayOrder int     `json:"display_order"`
	Ordered      bool    `json:"ordered"`
	Clips        []*Clip `json:"clips"`
}
