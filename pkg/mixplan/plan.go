// Package mixplan turns grouped source clips and mix settings into a bounded,
// reproducible sequence of structurally distinct mix plans.
//
// Each plan is decoded from a candidate index in a mixed-radix space whose
// digits are the variable choices (per-slot speed, per-slot clip, slot order).
// A prefix-sum transform over the digits makes every choice move as the index
// advances while keeping the decode a bijection, so walking indexes never
// repeats a combination and never skips one.
package mixplan

import (
	"strconv"
	"strings"

	"github.com/reelmix/reelmix/pkg/models"
)

// Entry is one clip placement in a plan's timeline
type Entry struct {
	Slot               int                   `json:"slot"` // slot position in display order
	Clip               *models.Clip          `json:"clip"`
	TrimStart          float64               `json:"trim_start"`      // source seconds
	TrimDuration       float64               `json:"trim_duration"`   // source seconds
	Speed              float64               `json:"speed"`           // playback multiplier
	OutputDuration     float64               `json:"output_duration"` // timeline seconds
	TransitionIntoNext models.TransitionType `json:"transition_into_next"`
}

// AudioDirective describes what happens to the audio track
type AudioDirective struct {
	Mode          models.AudioMode `json:"mode"`
	VoiceoverPath string           `json:"voiceover_path,omitempty"`
}

// MixPlan is a fully resolved recipe for one output video
type MixPlan struct {
	Index          int                   `json:"index"`     // position among the emitted plans
	Candidate      uint64                `json:"candidate"` // index in the candidate space
	Seed           int64                 `json:"seed"`
	Entries        []Entry               `json:"entries"`
	TargetDuration float64               `json:"target_duration"` // seconds, before transition overlap
	Transition     models.TransitionType `json:"transition"`      // requested join style
	Audio          AudioDirective        `json:"audio"`
}

// Key is the structural identity of the plan: ordered clips, speeds and trims
func (p *MixPlan) Key() string {
	var b strings.Builder
	for i, e := range p.Entries {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(e.Clip.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatFloat(e.Speed, 'f', -1, 64))
		b.WriteByte('[')
		b.WriteString(strconv.FormatFloat(e.TrimStart, 'f', 3, 64))
		b.WriteByte('+')
		b.WriteString(strconv.FormatFloat(e.TrimDuration, 'f', 3, 64))
		b.WriteByte(']')
	}
	return b.String()
}

// ClipIDs returns the source clip ids in timeline order
func (p *MixPlan) ClipIDs() []string {
	ids := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		ids[i] = e.Clip.ID
	}
	return ids
}

// Speeds returns the speed factors in timeline order
func (p *MixPlan) Speeds() []float64 {
	speeds := make([]float64, len(p.Entries))
	for i, e := range p.Entries {
		speeds[i] = e.Speed
	}
	return speeds
}

// FirstClipID returns the id of the opening clip
func (p *MixPlan) FirstClipID() string {
	if len(p.Entries) == 0 {
		return ""
	}
	return p.Entries[0].Clip.ID
}
