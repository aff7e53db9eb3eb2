package pipeline

import (
	"math"

	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
)

const (
	minTempo = 0.5
	maxTempo = 2.0
)

// buildAudio derives the audio branch. A voiceover input is returned
// separately so the caller can append it after the clip inputs.
func buildAudio(plan *mixplan.MixPlan, inputIndex map[string]int, overlap, duration float64) (AudioBranch, *Input) {
	branch := AudioBranch{Mode: string(plan.Audio.Mode), Duration: duration, Voiceover: -1}

	switch plan.Audio.Mode {
	case models.AudioMute:
		return branch, nil

	case models.AudioVoiceover:
		return branch, &Input{ClipID: "voiceover", Path: plan.Audio.VoiceoverPath, HasAudio: true}

	default:
		branch.Mode = string(models.AudioKeep)
		branch.Crossfade = overlap
		for _, e := range plan.Entries {
			seg := AudioSegment{
				Input:    inputIndex[e.Clip.ID],
				Duration: e.OutputDuration,
			}
			if e.Clip.HasAudio {
				seg.TrimStart = e.TrimStart
				seg.TrimDuration = e.TrimDuration
				seg.Tempo = TempoChain(e.Speed)
			} else {
				seg.Silent = true
			}
			branch.Segments = append(branch.Segments, seg)
		}
		return branch, nil
	}
}

// TempoChain splits a speed factor into tempo steps each within 0.5..2.0
// whose product is the factor. A factor of 1 needs no steps.
func TempoChain(speed float64) []float64 {
	if speed <= 0 || speed == 1 {
		return nil
	}

	var steps []float64
	remaining := speed
	for remaining > maxTempo {
		steps = append(steps, maxTempo)
		remaining /= maxTempo
	}
	for remaining < minTempo {
		steps = append(steps, minTempo)
		remaining /= minTempo
	}
	if math.Abs(remaining-1) > 1e-9 {
		steps = append(steps, remaining)
	}
	return steps
}
