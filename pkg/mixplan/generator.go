package mixplan

import (
	"sort"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

// walkHeadroom bounds how many candidates are inspected beyond the requested
// count. Candidates are skipped for duplicate keys, unrealizable durations or
// repeated opening clips.
const (
	walkFactor   = 8
	walkHeadroom = 1024
)

// slot is one position in the output sequence and the clips that may fill it
type slot struct {
	index int
	clips []*models.Clip
}

// Generate produces up to settings.OutputCount structurally distinct plans.
// With at least one group, each group is a slot in display order and
// ungrouped clips are ignored. Without groups, every ungrouped clip is its
// own slot. Fewer plans than requested are returned when the candidate
// space is exhausted; the result is never padded with duplicates.
func Generate(groups []*models.Group, ungrouped []*models.Clip, settings *models.MixSettings) ([]*MixPlan, error) {
	if err := checkGeneratorSettings(settings); err != nil {
		return nil, err
	}

	slots, err := buildSlots(groups, ungrouped)
	if err != nil {
		return nil, err
	}

	g := newGenerator(slots, settings)
	plans := g.run()
	if len(plans) == 0 {
		return nil, mixerr.Newf(mixerr.KindInsufficientSource, "generate",
			"no realizable plan: clips are too short for a %.3fs output", settings.FixedDuration)
	}
	return plans, nil
}

func checkGeneratorSettings(settings *models.MixSettings) error {
	if settings.OutputCount < 1 {
		return mixerr.Newf(mixerr.KindInvalidSettings, "generate", "output_count must be positive")
	}
	if settings.DurationType == models.DurationFixed && settings.FixedDuration <= 0 {
		return mixerr.Newf(mixerr.KindInvalidSettings, "generate", "fixed_duration must be positive in fixed mode")
	}
	if settings.SpeedMixing {
		if len(settings.AllowedSpeeds) == 0 {
			return mixerr.Newf(mixerr.KindInvalidSettings, "generate", "allowed_speeds must not be empty when speed_mixing is on")
		}
		for _, s := range settings.AllowedSpeeds {
			if s <= 0 {
				return mixerr.Newf(mixerr.KindInvalidSettings, "generate", "allowed_speeds must be positive, got %v", s)
			}
		}
	}
	return nil
}

func buildSlots(groups []*models.Group, ungrouped []*models.Clip) ([]slot, error) {
	if len(groups) > 0 {
		ordered := make([]*models.Group, len(groups))
		copy(ordered, groups)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].DisplayOrder != ordered[j].DisplayOrder {
				return ordered[i].DisplayOrder < ordered[j].DisplayOrder
			}
			return ordered[i].ID < ordered[j].ID
		})

		slots := make([]slot, 0, len(ordered))
		for i, g := range ordered {
			if len(g.Clips) == 0 {
				return nil, mixerr.Newf(mixerr.KindInsufficientSource, "generate", "group %q has no clips", g.Name)
			}
			if err := checkClips(g.Clips); err != nil {
				return nil, err
			}
			slots = append(slots, slot{index: i, clips: memberOrder(g)})
		}
		return slots, nil
	}

	if len(ungrouped) == 0 {
		return nil, mixerr.Newf(mixerr.KindInsufficientSource, "generate", "project has no clips")
	}
	if err := checkClips(ungrouped); err != nil {
		return nil, err
	}
	slots := make([]slot, len(ungrouped))
	for i, c := range ungrouped {
		slots[i] = slot{index: i, clips: []*models.Clip{c}}
	}
	return slots, nil
}

// memberOrder returns the clips of g in the order the walk enumerates them.
// An ordered group keeps its curated order, so its first clip opens plan 0
// and is the only choice without group mixing. An unordered group is sorted
// by clip id so plans do not depend on catalog row order.
func memberOrder(g *models.Group) []*models.Clip {
	if g.Ordered {
		return g.Clips
	}
	clips := make([]*models.Clip, len(g.Clips))
	copy(clips, g.Clips)
	sort.SliceStable(clips, func(i, j int) bool {
		return clips[i].ID < clips[j].ID
	})
	return clips
}

func checkClips(clips []*models.Clip) error {
	for _, c := range clips {
		if c == nil || c.Duration <= 0 {
			id := ""
			if c != nil {
				id = c.ID
			}
			return mixerr.Newf(mixerr.KindInsufficientSource, "generate", "clip %q has no playable duration", id)
		}
	}
	return nil
}

type generator struct {
	slots    []slot
	settings *models.MixSettings
	speeds   []float64
	radix    *radix

	// distinctClips is the number of different clips that can open a plan
	distinctClips int
}

func newGenerator(slots []slot, settings *models.MixSettings) *generator {
	g := &generator{slots: slots, settings: settings}

	if settings.SpeedMixing {
		g.speeds = settings.AllowedSpeeds
	}

	seen := make(map[string]bool)
	for _, s := range slots {
		for _, c := range g.selectableClips(s) {
			seen[c.ID] = true
		}
	}
	g.distinctClips = len(seen)

	g.radix = newRadix(g.layoutDigits())
	return g
}

// selectableClips returns the clips a slot can hold under the current settings
func (g *generator) selectableClips(s slot) []*models.Clip {
	if g.settings.GroupMixing {
		return s.clips
	}
	return s.clips[:1]
}

// layoutDigits orders the variable choices. The speed of the first slot is
// the least significant digit, so consecutive candidates always differ in
// speed vector when more than one speed is allowed. Clip choices follow,
// largest group first, so group membership rotates as fast as possible.
// Remaining speeds and the slot permutation are the most significant.
func (g *generator) layoutDigits() []digit {
	var digits []digit
	k := uint64(len(g.speeds))

	if k > 1 {
		digits = append(digits, digit{kind: digitSpeed, slot: 0, size: k})
	}

	if g.settings.GroupMixing {
		var clipDigits []digit
		for _, s := range g.slots {
			if n := uint64(len(s.clips)); n > 1 {
				clipDigits = append(clipDigits, digit{kind: digitClip, slot: s.index, size: n})
			}
		}
		sort.SliceStable(clipDigits, func(i, j int) bool {
			return clipDigits[i].size > clipDigits[j].size
		})
		digits = append(digits, clipDigits...)
	}

	if k > 1 {
		for _, s := range g.slots[1:] {
			digits = append(digits, digit{kind: digitSpeed, slot: s.index, size: k})
		}
	}

	n := len(g.slots)
	if g.settings.OrderMixing && n > 1 {
		for pos := 0; pos < n-1; pos++ {
			digits = append(digits, digit{kind: digitOrder, slot: pos, size: uint64(n - pos)})
		}
	}

	return digits
}

func (g *generator) run() []*MixPlan {
	total := g.radix.total
	limit := uint64(g.settings.OutputCount)*walkFactor + walkHeadroom
	if total < limit {
		limit = total
	}
	offset := uint64(g.settings.Seed) % total

	plans := make([]*MixPlan, 0, g.settings.OutputCount)
	keys := make(map[string]bool)
	prevFirst := ""

	for j := uint64(0); j < limit && len(plans) < g.settings.OutputCount; j++ {
		candidate := candidateAt(j, offset, total)

		entries := g.resolve(candidate)

		if g.settings.DifferentStartingVideo && prevFirst != "" && g.distinctClips > 1 {
			if !avoidOpeningClip(entries, prevFirst) {
				continue
			}
		}

		plan, ok := g.finish(len(plans), candidate, entries)
		if !ok {
			continue
		}

		key := plan.Key()
		if keys[key] {
			continue
		}
		keys[key] = true
		prevFirst = plan.FirstClipID()
		plans = append(plans, plan)
	}

	return plans
}

// resolve decodes a candidate into ordered entries with clip and speed set
func (g *generator) resolve(candidate uint64) []Entry {
	n := len(g.slots)
	values := g.radix.decode(candidate)

	clipChoice := make([]int, n)
	speedChoice := make([]int, n)
	lehmer := make([]uint64, 0, n)

	for j, d := range g.radix.digits {
		switch d.kind {
		case digitSpeed:
			speedChoice[d.slot] = int(values[j])
		case digitClip:
			clipChoice[d.slot] = int(values[j])
		case digitOrder:
			lehmer = append(lehmer, values[j])
		}
	}

	order := lehmerPermutation(n, lehmer)

	entries := make([]Entry, n)
	for pos, si := range order {
		s := g.slots[si]
		speed := 1.0
		if len(g.speeds) > 0 {
			speed = g.speeds[speedChoice[si]]
		}
		entries[pos] = Entry{
			Slot:  s.index,
			Clip:  s.clips[clipChoice[si]],
			Speed: speed,
		}
	}
	return entries
}

// avoidOpeningClip swaps the first entry with the first later entry holding a
// different clip when the plan would open with prev. It reports false when
// no such entry exists.
func avoidOpeningClip(entries []Entry, prev string) bool {
	if entries[0].Clip.ID != prev {
		return true
	}
	for k := 1; k < len(entries); k++ {
		if entries[k].Clip.ID != prev {
			entries[0], entries[k] = entries[k], entries[0]
			return true
		}
	}
	return false
}

// finish resolves durations, trims and transitions. It reports false when
// the clips cannot fill a fixed duration.
func (g *generator) finish(index int, candidate uint64, entries []Entry) (*MixPlan, bool) {
	s := g.settings

	var target float64
	if s.DurationType == models.DurationFixed {
		if !fitFixedDuration(entries, s.FixedDuration, s.DistributionMode, s.SlotWeights) {
			return nil, false
		}
		target = s.FixedDuration
	} else {
		target = fitOriginalDuration(entries)
	}

	if s.SmartTrim {
		varyTrimStarts(entries, candidate)
	}

	transition := s.TransitionType
	if transition == "" {
		transition = models.TransitionNone
	}
	assignTransitions(entries, transition, index)

	return &MixPlan{
		Index:          index,
		Candidate:      candidate,
		Seed:           s.Seed,
		Entries:        entries,
		TargetDuration: target,
		Transition:     transition,
		Audio: AudioDirective{
			Mode:          s.AudioMode,
			VoiceoverPath: s.VoiceoverPath,
		},
	}, true
}

// assignTransitions sets the join into each following entry. A mixed
// setting rotates the concrete transitions by plan index and join position.
func assignTransitions(entries []Entry, transition models.TransitionType, planIndex int) {
	for k := range entries {
		if k == len(entries)-1 || transition == models.TransitionNone {
			entries[k].TransitionIntoNext = models.TransitionNone
			continue
		}
		if transition == models.TransitionMixed {
			rot := models.ConcreteTransitions
			entries[k].TransitionIntoNext = rot[(planIndex+k)%len(rot)]
			continue
		}
		entries[k].TransitionIntoNext = transition
	}
}
