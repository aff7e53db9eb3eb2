package mixplan

import (
	"math"

	"github.com/reelmix/reelmix/pkg/models"
)

// capacityEpsilon absorbs float error when comparing clip capacity to a target
const capacityEpsilon = 1e-6

// trimOffsets are the fractions of a clip's slack used as trim start, cycled
// across plans when smart trim is on
var trimOffsets = []float64{0, 0.5, 1}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func floorMillis(v float64) float64 {
	return math.Floor(v*1000+capacityEpsilon) / 1000
}

// fitOriginalDuration plays every clip in full and returns the plan length
func fitOriginalDuration(entries []Entry) float64 {
	var total float64
	for k := range entries {
		e := &entries[k]
		e.TrimStart = 0
		e.TrimDuration = e.Clip.Duration
		e.OutputDuration = roundMillis(e.Clip.Duration / e.Speed)
		total += e.OutputDuration
	}
	return roundMillis(total)
}

// fitFixedDuration splits target seconds of timeline across entries. Shares
// are rounded to milliseconds with the remainder on the last entry, so the
// output durations sum to target. It reports false when the clips are too
// short to fill target.
func fitFixedDuration(entries []Entry, target float64, mode models.DistributionMode, slotWeights []float64) bool {
	n := len(entries)
	caps := make([]float64, n)
	var sumCap float64
	for k, e := range entries {
		caps[k] = e.Clip.Duration / e.Speed
		sumCap += caps[k]
	}
	if sumCap+capacityEpsilon < target {
		return false
	}

	var shares []float64
	if mode == models.DistributionWeighted {
		weights := make([]float64, n)
		for k, e := range entries {
			weights[k] = 1
			if e.Slot < len(slotWeights) {
				weights[k] = slotWeights[e.Slot]
			}
		}
		shares = waterFill(target, caps, weights)
	} else {
		shares = make([]float64, n)
		for k := range entries {
			shares[k] = target * caps[k] / sumCap
		}
	}

	var assigned float64
	for k := range entries {
		out := roundMillis(shares[k])
		if k == n-1 {
			out = roundMillis(target - assigned)
		}
		if out <= 0 {
			return false
		}
		assigned += out

		e := &entries[k]
		e.OutputDuration = out
		e.TrimStart = 0
		e.TrimDuration = math.Min(roundMillis(out*e.Speed), e.Clip.Duration)
	}
	return true
}

// waterFill distributes total by weight, capping each share at its capacity
// and redistributing the excess among the uncapped entries.
func waterFill(total float64, caps, weights []float64) []float64 {
	n := len(caps)
	shares := make([]float64, n)
	active := make([]bool, n)
	for k := range active {
		active[k] = true
	}

	remaining := total
	for {
		var sumW float64
		for k := range caps {
			if active[k] {
				sumW += weights[k]
			}
		}
		if sumW <= 0 {
			return shares
		}

		var capped []int
		for k := range caps {
			if active[k] && remaining*weights[k]/sumW > caps[k] {
				capped = append(capped, k)
			}
		}

		if len(capped) == 0 {
			for k := range caps {
				if active[k] {
					shares[k] = remaining * weights[k] / sumW
				}
			}
			return shares
		}

		for _, k := range capped {
			shares[k] = caps[k]
			active[k] = false
			remaining -= caps[k]
		}
	}
}

// varyTrimStarts moves each trim window within its clip's slack so plans
// built from the same clips start at different source positions.
func varyTrimStarts(entries []Entry, candidate uint64) {
	for k := range entries {
		e := &entries[k]
		slack := e.Clip.Duration - e.TrimDuration
		if slack <= 0 {
			continue
		}
		f := trimOffsets[(candidate+uint64(e.Slot))%uint64(len(trimOffsets))]
		e.TrimStart = floorMillis(slack * f)
	}
}
