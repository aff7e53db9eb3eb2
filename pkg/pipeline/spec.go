// Package pipeline compiles a mix plan into an ordered processing pipeline:
// per-clip normalization stages, a join stage, an audio branch and an output
// encode profile. The result is plain data; rendering it for a particular
// transcoder is the transcode package's job.
package pipeline

import "time"

// StageKind identifies a per-clip processing stage
type StageKind string

const (
	StageTrim    StageKind = "trim"    // cut the source window, reset timestamps
	StageScale   StageKind = "scale"   // scale and crop to the target frame
	StageFPS     StageKind = "fps"     // normalize frame rate
	StageSpeed   StageKind = "speed"   // rescale timestamps by the speed factor
	StageRestamp StageKind = "restamp" // explicit time base plus frame rate after speed change
)

// Stage is one step of a clip's video chain. Only the fields relevant to
// Kind are set.
type Stage struct {
	Kind     StageKind `json:"kind"`
	Start    float64   `json:"start,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	FPS      int       `json:"fps,omitempty"`
	Factor   float64   `json:"factor,omitempty"`
	TimeBase string    `json:"time_base,omitempty"`
}

// Input is one source file fed to the transcoder
type Input struct {
	ClipID   string `json:"clip_id"`
	Path     string `json:"path"`
	HasAudio bool   `json:"has_audio"`
}

// ClipChain is the ordered video stages for one timeline entry
type ClipChain struct {
	Input    int     `json:"input"` // index into Spec.Inputs
	Stages   []Stage `json:"stages"`
	Duration float64 `json:"duration"` // timeline seconds after the chain
}

// JoinKind says how clip chains are combined
type JoinKind string

const (
	JoinPassthrough JoinKind = "passthrough"
	JoinConcat      JoinKind = "concat"
	JoinTransition  JoinKind = "transition"
)

// TransitionStep blends the accumulated timeline into the next chain
type TransitionStep struct {
	Type     string  `json:"type"` // transcoder-neutral name, e.g. "fade", "wipeleft"
	Offset   float64 `json:"offset"`
	Duration float64 `json:"duration"`
}

// Join combines the clip chains into one video stream
type Join struct {
	Kind  JoinKind         `json:"kind"`
	Steps []TransitionStep `json:"steps,omitempty"` // len(chains)-1 for JoinTransition
}

// AudioSegment is the audio for one timeline entry
type AudioSegment struct {
	Input        int       `json:"input"`
	Silent       bool      `json:"silent"` // source has no audio, generate silence
	TrimStart    float64   `json:"trim_start"`
	TrimDuration float64   `json:"trim_duration"`
	Tempo        []float64 `json:"tempo,omitempty"` // chained tempo factors, each within 0.5..2
	Duration     float64   `json:"duration"`        // timeline seconds
}

// AudioBranch describes the output audio track
type AudioBranch struct {
	Mode      string         `json:"mode"` // keep, mute, voiceover
	Segments  []AudioSegment `json:"segments,omitempty"`
	Crossfade float64        `json:"crossfade,omitempty"` // seconds between segments, 0 = concat
	Voiceover int            `json:"voiceover"`           // input index of the voiceover track
	Duration  float64        `json:"duration"`
}

// EncodeProfile is the output encoding configuration
type EncodeProfile struct {
	Codec            string `json:"codec"`     // h264, h265, vp9
	Container        string `json:"container"` // mp4, mov, webm
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	FPS              int    `json:"fps"`
	BitrateKbps      int    `json:"bitrate_kbps"`
	MaxrateKbps      int    `json:"maxrate_kbps"`
	BufsizeKbps      int    `json:"bufsize_kbps"`
	PixelFormat      string `json:"pixel_format"`
	GOP              int    `json:"gop"`
	AudioCodec       string `json:"audio_codec,omitempty"`
	AudioBitrateKbps int    `json:"audio_bitrate_kbps,omitempty"`
}

// Metadata is embedded in the output container
type Metadata struct {
	Title         string            `json:"title"`
	Encoder       string            `json:"encoder"`
	SourceClipIDs []string          `json:"source_clip_ids"`
	CreatedAt     time.Time         `json:"created_at"`
	Tags          map[string]string `json:"tags"`
}

// Spec is the compiled form of one mix plan
type Spec struct {
	PlanIndex      int           `json:"plan_index"`
	Inputs         []Input       `json:"inputs"`
	Chains         []ClipChain   `json:"chains"`
	Join           Join          `json:"join"`
	Audio          AudioBranch   `json:"audio"`
	Encode         EncodeProfile `json:"encode"`
	Metadata       Metadata      `json:"metadata"`
	TargetDuration float64       `json:"target_duration"` // final output seconds
}
