package pipeline

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
)

// EncoderTag is written to the encoder metadata field of every output
const EncoderTag = "reelmix"

// restampTimeBase is the time base clips are re-stamped to before transitions
const restampTimeBase = "AVTB"

// transitionNames maps transition settings to transcoder-neutral blend names
var transitionNames = map[models.TransitionType]string{
	models.TransitionCrossfade: "fade",
	models.TransitionFadeBlack: "fadeblack",
	models.TransitionWipeLeft:  "wipeleft",
	models.TransitionSlideLeft: "slideleft",
}

// Compiler turns mix plans into pipeline specs
type Compiler struct {
	now func() time.Time
}

// NewCompiler creates a compiler stamping outputs with the current time
func NewCompiler() *Compiler {
	return &Compiler{now: time.Now}
}

// NewCompilerWithClock creates a compiler with a fixed time source
func NewCompilerWithClock(now func() time.Time) *Compiler {
	return &Compiler{now: now}
}

var defaultCompiler = NewCompiler()

// Compile compiles plan with the default compiler
func Compile(plan *mixplan.MixPlan, settings *models.MixSettings) (*Spec, error) {
	return defaultCompiler.Compile(plan, settings)
}

// Compile builds the pipeline spec for one plan. Stage order per clip is
// fixed: trim, scale, fps, speed, restamp. Re-stamping is only emitted when
// the clip is sped up or slowed down and joined with a transition, since a
// transition needs every input on one monotonic time base.
func (c *Compiler) Compile(plan *mixplan.MixPlan, settings *models.MixSettings) (*Spec, error) {
	if len(plan.Entries) == 0 {
		return nil, mixerr.Newf(mixerr.KindInternal, "compile", "plan %d has no entries", plan.Index)
	}

	hasTransition := plan.Transition != "" && plan.Transition != models.TransitionNone
	if hasTransition && len(plan.Entries) == 1 {
		return nil, mixerr.Newf(mixerr.KindUnsupportedTransition, "compile",
			"transition %q needs at least two clips, plan %d has one", plan.Transition, plan.Index)
	}

	encode, err := BuildEncodeProfile(settings)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		PlanIndex: plan.Index,
		Encode:    encode,
	}

	inputIndex := make(map[string]int)
	for _, e := range plan.Entries {
		if _, ok := inputIndex[e.Clip.ID]; ok {
			continue
		}
		inputIndex[e.Clip.ID] = len(spec.Inputs)
		spec.Inputs = append(spec.Inputs, Input{ClipID: e.Clip.ID, Path: e.Clip.Path, HasAudio: e.Clip.HasAudio})
	}

	overlap := 0.0
	if hasTransition {
		overlap = transitionDuration(plan, settings.TransitionDuration)
	}

	for _, e := range plan.Entries {
		spec.Chains = append(spec.Chains, ClipChain{
			Input:    inputIndex[e.Clip.ID],
			Stages:   clipStages(e, encode, hasTransition),
			Duration: e.OutputDuration,
		})
	}

	spec.Join, spec.TargetDuration = buildJoin(plan, overlap)

	audio, voInput := buildAudio(plan, inputIndex, overlap, spec.TargetDuration)
	if voInput != nil {
		audio.Voiceover = len(spec.Inputs)
		spec.Inputs = append(spec.Inputs, *voInput)
	}
	spec.Audio = audio

	spec.Metadata = buildMetadata(plan, settings, c.now())
	return spec, nil
}

func clipStages(e mixplan.Entry, encode EncodeProfile, hasTransition bool) []Stage {
	stages := []Stage{
		{Kind: StageTrim, Start: e.TrimStart, Duration: e.TrimDuration},
		{Kind: StageScale, Width: encode.Width, Height: encode.Height},
		{Kind: StageFPS, FPS: encode.FPS},
	}
	if e.Speed != 1 {
		stages = append(stages, Stage{Kind: StageSpeed, Factor: e.Speed})
		if hasTransition {
			stages = append(stages, Stage{Kind: StageRestamp, TimeBase: restampTimeBase, FPS: encode.FPS})
		}
	}
	return stages
}

// transitionDuration clamps the requested duration to half the shortest clip
func transitionDuration(plan *mixplan.MixPlan, requested float64) float64 {
	shortest := math.Inf(1)
	for _, e := range plan.Entries {
		shortest = math.Min(shortest, e.OutputDuration)
	}
	return roundMillis(math.Min(requested, shortest/2))
}

// buildJoin chains clips with transitions or concatenation and returns the
// final output duration.
func buildJoin(plan *mixplan.MixPlan, overlap float64) (Join, float64) {
	var sum float64
	for _, e := range plan.Entries {
		sum += e.OutputDuration
	}

	if len(plan.Entries) == 1 {
		return Join{Kind: JoinPassthrough}, roundMillis(sum)
	}
	if overlap <= 0 {
		return Join{Kind: JoinConcat}, roundMillis(sum)
	}

	join := Join{Kind: JoinTransition}
	var cumulative float64
	for k := 0; k < len(plan.Entries)-1; k++ {
		cumulative += plan.Entries[k].OutputDuration
		join.Steps = append(join.Steps, TransitionStep{
			Type:     transitionNames[plan.Entries[k].TransitionIntoNext],
			Offset:   roundMillis(cumulative - float64(k+1)*overlap),
			Duration: overlap,
		})
	}
	return join, roundMillis(sum - float64(len(plan.Entries)-1)*overlap)
}

func buildMetadata(plan *mixplan.MixPlan, s *models.MixSettings, now time.Time) Metadata {
	speeds := make([]string, len(plan.Entries))
	for i, sp := range plan.Speeds() {
		speeds[i] = strconv.FormatFloat(sp, 'f', -1, 64)
	}

	tags := map[string]string{
		"plan_index":     strconv.Itoa(plan.Index),
		"plan_candidate": strconv.FormatUint(plan.Candidate, 10),
		"order_mixing":   strconv.FormatBool(s.OrderMixing),
		"speed_mixing":   strconv.FormatBool(s.SpeedMixing),
		"group_mixing":   strconv.FormatBool(s.GroupMixing),
		"speeds":         strings.Join(speeds, ","),
		"duration_type":  string(s.DurationType),
		"transition":     string(plan.Transition),
	}
	for k, v := range s.CampaignTags {
		tags["campaign_"+k] = v
	}

	return Metadata{
		Title:         "mix " + strconv.Itoa(plan.Index+1),
		Encoder:       EncoderTag,
		SourceClipIDs: plan.ClipIDs(),
		CreatedAt:     now.UTC(),
		Tags:          tags,
	}
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
