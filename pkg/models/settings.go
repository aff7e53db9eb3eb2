package models

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/reelmix/reelmix/pkg/mixerr"
)

// DefaultMaxOutputCount is the platform ceiling on outputs per job
const DefaultMaxOutputCount = 1000

type DurationType string

const (
	DurationOriginal DurationType = "original"
	DurationFixed    DurationType = "fixed"
)

type DistributionMode string

const (
	DistributionProportional DistributionMode = "proportional"
	DistributionWeighted     DistributionMode = "weighted"
)

type AudioMode string

const (
	AudioKeep      AudioMode = "keep"
	AudioMute      AudioMode = "mute"
	AudioVoiceover AudioMode = "voiceover"
)

type TransitionType string

const (
	TransitionNone      TransitionType = "none"
	TransitionCrossfade TransitionType = "crossfade"
	TransitionFadeBlack TransitionType = "fadeblack"
	TransitionWipeLeft  TransitionType = "wipeleft"
	TransitionSlideLeft TransitionType = "slideleft"
	TransitionMixed     TransitionType = "mixed"
)

// ConcreteTransitions are the transitions a mixed setting rotates through
var ConcreteTransitions = []TransitionType{
	TransitionCrossfade,
	TransitionFadeBlack,
	TransitionWipeLeft,
	TransitionSlideLeft,
}

var (
	aspectRatios = map[string]bool{"9:16": true, "16:9": true, "1:1": true, "4:5": true}
	resolutions  = map[string]bool{"480p": true, "720p": true, "1080p": true, "1440p": true, "2160p": true}
	bitrates     = map[string]bool{"low": true, "medium": true, "high": true, "ultra": true}
	formats      = map[string]bool{"mp4": true, "mov": true, "webm": true}
	codecs       = map[string]bool{"h264": true, "h265": true, "vp9": true}
	transitions  = map[TransitionType]bool{
		TransitionNone: true, TransitionCrossfade: true, TransitionFadeBlack: true,
		TransitionWipeLeft: true, TransitionSlideLeft: true, TransitionMixed: true,
	}
)

const (
	minSpeed = 0.25
	maxSpeed = 4.0
)

// MixSettings is the closed set of options controlling mix generation and encoding
type MixSettings struct {
	OrderMixing            bool              `json:"order_mixing"`
	SpeedMixing            bool              `json:"speed_mixing"`
	DifferentStartingVideo bool              `json:"different_starting_video"`
	GroupMixing            bool              `json:"group_mixing"`
	AllowedSpeeds          []float64         `json:"allowed_speeds,omitempty"`
	DurationType           DurationType      `json:"duration_type"`
	FixedDuration          float64           `json:"fixed_duration,omitempty"` // seconds
	DistributionMode       DistributionMode  `json:"duration_distribution_mode"`
	SlotWeights            []float64         `json:"slot_weights,omitempty"`
	SmartTrim              bool              `json:"smart_trim"`
	AspectRatio            string            `json:"aspect_ratio"`
	Resolution             string            `json:"resolution"`
	FrameRate              int               `json:"frame_rate"`
	Bitrate                string            `json:"bitrate"`
	Format                 string            `json:"format"`
	Codec                  string            `json:"codec"`
	AudioMode              AudioMode         `json:"audio_mode"`
	VoiceoverPath          string            `json:"voiceover_path,omitempty"`
	TransitionType         TransitionType    `json:"transition_type"`
	TransitionDuration     float64           `json:"transition_duration,omitempty"` // seconds
	OutputCount            int               `json:"output_count"`
	Seed                   int64             `json:"seed"`
	CampaignTags           map[string]string `json:"campaign_tags,omitempty"`
}

// DecodeSettings parses a settings document, rejecting unknown fields
func DecodeSettings(r io.Reader) (*MixSettings, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var s MixSettings
	if err := dec.Decode(&s); err != nil {
		return nil, mixerr.Newf(mixerr.KindInvalidSettings, "decode settings", "malformed settings: %v", err)
	}
	return &s, nil
}

// ApplyDefaults fills empty fields with platform defaults
func (s *MixSettings) ApplyDefaults() {
	if s.DurationType == "" {
		s.DurationType = DurationOriginal
	}
	if s.DistributionMode == "" {
		s.DistributionMode = DistributionProportional
	}
	if s.AspectRatio == "" {
		s.AspectRatio = "9:16"
	}
	if s.Resolution == "" {
		s.Resolution = "1080p"
	}
	if s.FrameRate == 0 {
		s.FrameRate = 30
	}
	if s.Bitrate == "" {
		s.Bitrate = "medium"
	}
	if s.Format == "" {
		s.Format = "mp4"
	}
	if s.Codec == "" {
		if s.Format == "webm" {
			s.Codec = "vp9"
		} else {
			s.Codec = "h264"
		}
	}
	if s.AudioMode == "" {
		s.AudioMode = AudioKeep
	}
	if s.TransitionType == "" {
		s.TransitionType = TransitionNone
	}
	if s.TransitionType != TransitionNone && s.TransitionDuration == 0 {
		s.TransitionDuration = 0.5
	}
	if s.OutputCount == 0 {
		s.OutputCount = 1
	}
}

// Validate rejects unknown enum values and out-of-range fields.
// maxOutputs <= 0 selects DefaultMaxOutputCount.
func (s *MixSettings) Validate(maxOutputs int) error {
	if maxOutputs <= 0 {
		maxOutputs = DefaultMaxOutputCount
	}

	invalid := func(format string, args ...interface{}) error {
		return mixerr.Newf(mixerr.KindInvalidSettings, "validate settings", format, args...)
	}

	if s.OutputCount < 1 || s.OutputCount > maxOutputs {
		return invalid("output_count must be between 1 and %d, got %d", maxOutputs, s.OutputCount)
	}

	switch s.DurationType {
	case DurationOriginal:
	case DurationFixed:
		if s.FixedDuration <= 0 {
			return invalid("fixed_duration must be positive in fixed mode")
		}
	default:
		return invalid("unknown duration_type %q", s.DurationType)
	}

	switch s.DistributionMode {
	case DistributionProportional:
	case DistributionWeighted:
		for i, w := range s.SlotWeights {
			if w <= 0 {
				return invalid("slot_weights[%d] must be positive", i)
			}
		}
	default:
		return invalid("unknown duration_distribution_mode %q", s.DistributionMode)
	}

	if s.SpeedMixing {
		if len(s.AllowedSpeeds) == 0 {
			return invalid("allowed_speeds must not be empty when speed_mixing is on")
		}
		for _, sp := range s.AllowedSpeeds {
			if sp <= 0 {
				return invalid("allowed_speeds must be positive, got %v", sp)
			}
			if sp < minSpeed || sp > maxSpeed {
				return invalid("allowed_speeds must be within %.2f..%.1f, got %v", minSpeed, maxSpeed, sp)
			}
		}
	}

	if !aspectRatios[s.AspectRatio] {
		return invalid("unknown aspect_ratio %q", s.AspectRatio)
	}
	if !resolutions[s.Resolution] {
		return invalid("unknown resolution %q", s.Resolution)
	}
	if s.FrameRate < 1 || s.FrameRate > 120 {
		return invalid("frame_rate must be between 1 and 120, got %d", s.FrameRate)
	}
	if !bitrates[s.Bitrate] {
		return invalid("unknown bitrate tier %q", s.Bitrate)
	}
	if !formats[s.Format] {
		return invalid("unknown format %q", s.Format)
	}
	if !codecs[s.Codec] {
		return invalid("unknown codec %q", s.Codec)
	}

	switch s.AudioMode {
	case AudioKeep, AudioMute:
	case AudioVoiceover:
		if s.VoiceoverPath == "" {
			return invalid("voiceover_path is required when audio_mode is voiceover")
		}
	default:
		return invalid("unknown audio_mode %q", s.AudioMode)
	}

	if !transitions[s.TransitionType] {
		return invalid("unknown transition_type %q", s.TransitionType)
	}
	if s.TransitionType != TransitionNone && (s.TransitionDuration <= 0 || s.TransitionDuration > 5) {
		return invalid("transition_duration must be within (0, 5] seconds, got %v", s.TransitionDuration)
	}

	return nil
}

// HasTransition reports whether clips are joined with a transition
func (s *MixSettings) HasTransition() bool {
	return s.TransitionType != "" && s.TransitionType != TransitionNone
}

// Clone returns a deep copy suitable for a job snapshot
func (s MixSettings) Clone() MixSettings {
	c := s
	if s.AllowedSpeeds != nil {
		c.AllowedSpeeds = append([]float64(nil), s.AllowedSpeeds...)
	}
	if s.SlotWeights != nil {
		c.SlotWeights = append([]float64(nil), s.SlotWeights...)
	}
	if s.CampaignTags != nil {
		c.CampaignTags = make(map[string]string, len(s.CampaignTags))
		for k, v := range s.CampaignTags {
			c.CampaignTags[k] = v
		}
	}
	return c
}

// String is a compact description for logs
func (s *MixSettings) String() string {
	return fmt.Sprintf("outputs=%d order=%v speed=%v group=%v start=%v duration=%s %s %s@%dfps %s/%s",
		s.OutputCount, s.OrderMixing, s.SpeedMixing, s.GroupMixing, s.DifferentStartingVideo,
		s.DurationType, s.AspectRatio, s.Resolution, s.FrameRate, s.Format, s.Codec)
}
