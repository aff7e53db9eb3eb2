package transcode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/reelmix/reelmix/pkg/pipeline"
)

const (
	audioSampleRate = 48000
	audioFormat     = "aformat=sample_fmts=fltp:sample_rates=48000:channel_layouts=stereo"
)

// BuildArgs renders a pipeline spec as one ffmpeg invocation writing to
// outputPath. Progress is reported on stdout as key=value blocks.
func BuildArgs(spec *pipeline.Spec, outputPath string, encoders *Encoders) ([]string, error) {
	if len(spec.Chains) == 0 {
		return nil, fmt.Errorf("spec for plan %d has no clip chains", spec.PlanIndex)
	}
	if encoders == nil {
		encoders = DefaultEncoders()
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-loglevel", "error",
		"-progress", "pipe:1",
		"-nostats",
	}
	for _, in := range spec.Inputs {
		args = append(args, "-i", in.Path)
	}

	graph, hasAudio := FilterGraph(spec)
	args = append(args, "-filter_complex", graph, "-map", "[vout]")
	if hasAudio {
		args = append(args, "-map", "[aout]")
	} else {
		args = append(args, "-an")
	}

	args = append(args, videoCodecArgs(spec.Encode, encoders)...)
	if hasAudio {
		args = append(args,
			"-c:a", audioEncoder(spec.Encode.AudioCodec),
			"-b:a", fmt.Sprintf("%dk", spec.Encode.AudioBitrateKbps),
			"-ar", strconv.Itoa(audioSampleRate),
		)
	}

	args = append(args, metadataArgs(spec.Metadata)...)
	if spec.Encode.Container == "mp4" || spec.Encode.Container == "mov" {
		args = append(args, "-movflags", "+faststart+use_metadata_tags")
	}

	args = append(args, "-t", formatSeconds(spec.TargetDuration), outputPath)
	return args, nil
}

// FilterGraph renders the video chains, join and audio branch as a
// filter_complex graph with [vout] and, when audio is kept, [aout].
func FilterGraph(spec *pipeline.Spec) (string, bool) {
	var parts []string

	for k, ch := range spec.Chains {
		parts = append(parts, fmt.Sprintf("[%d:v]%s[v%d]", ch.Input, renderStages(ch.Stages), k))
	}
	parts = append(parts, renderJoin(spec.Join, len(spec.Chains))...)

	audio := renderAudio(spec)
	parts = append(parts, audio...)

	return strings.Join(parts, ";"), len(audio) > 0
}

func renderStages(stages []pipeline.Stage) string {
	filters := make([]string, 0, len(stages)+2)
	for _, s := range stages {
		switch s.Kind {
		case pipeline.StageTrim:
			filters = append(filters,
				fmt.Sprintf("trim=start=%s:duration=%s", formatSeconds(s.Start), formatSeconds(s.Duration)),
				"setpts=PTS-STARTPTS")
		case pipeline.StageScale:
			filters = append(filters,
				fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", s.Width, s.Height),
				fmt.Sprintf("crop=%d:%d", s.Width, s.Height),
				"setsar=1")
		case pipeline.StageFPS:
			filters = append(filters, fmt.Sprintf("fps=%d", s.FPS))
		case pipeline.StageSpeed:
			filters = append(filters, fmt.Sprintf("setpts=PTS/%s", formatFactor(s.Factor)))
		case pipeline.StageRestamp:
			filters = append(filters, "settb="+s.TimeBase, fmt.Sprintf("fps=%d", s.FPS))
		}
	}
	filters = append(filters, "format=yuv420p")
	return strings.Join(filters, ",")
}

func renderJoin(join pipeline.Join, n int) []string {
	switch join.Kind {
	case pipeline.JoinTransition:
		var parts []string
		prev := "[v0]"
		for k, step := range join.Steps {
			out := fmt.Sprintf("[x%d]", k+1)
			if k == len(join.Steps)-1 {
				out = "[vout]"
			}
			kind := step.Type
			if kind == "" {
				kind = "fade"
			}
			parts = append(parts, fmt.Sprintf("%s[v%d]xfade=transition=%s:duration=%s:offset=%s%s",
				prev, k+1, kind, formatSeconds(step.Duration), formatSeconds(step.Offset), out))
			prev = out
		}
		return parts

	case pipeline.JoinConcat:
		var labels strings.Builder
		for k := 0; k < n; k++ {
			fmt.Fprintf(&labels, "[v%d]", k)
		}
		return []string{fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vout]", labels.String(), n)}

	default:
		return []string{"[v0]null[vout]"}
	}
}

func renderAudio(spec *pipeline.Spec) []string {
	a := spec.Audio
	switch a.Mode {
	case "mute":
		return nil

	case "voiceover":
		return []string{fmt.Sprintf("[%d:a]atrim=duration=%s,asetpts=PTS-STARTPTS,apad=whole_dur=%s,%s[aout]",
			a.Voiceover, formatSeconds(a.Duration), formatSeconds(a.Duration), audioFormat)}
	}

	if len(a.Segments) == 0 {
		return nil
	}

	var parts []string
	for k, seg := range a.Segments {
		if seg.Silent {
			parts = append(parts, fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d,atrim=duration=%s,%s[a%d]",
				audioSampleRate, formatSeconds(seg.Duration), audioFormat, k))
			continue
		}
		filters := []string{
			fmt.Sprintf("atrim=start=%s:duration=%s", formatSeconds(seg.TrimStart), formatSeconds(seg.TrimDuration)),
			"asetpts=PTS-STARTPTS",
		}
		for _, t := range seg.Tempo {
			filters = append(filters, "atempo="+formatFactor(t))
		}
		filters = append(filters, audioFormat)
		parts = append(parts, fmt.Sprintf("[%d:a]%s[a%d]", seg.Input, strings.Join(filters, ","), k))
	}

	n := len(a.Segments)
	switch {
	case n == 1:
		parts = append(parts, "[a0]anull[aout]")
	case a.Crossfade > 0:
		prev := "[a0]"
		for k := 1; k < n; k++ {
			out := fmt.Sprintf("[ax%d]", k)
			if k == n-1 {
				out = "[aout]"
			}
			parts = append(parts, fmt.Sprintf("%s[a%d]acrossfade=d=%s%s", prev, k, formatSeconds(a.Crossfade), out))
			prev = out
		}
	default:
		var labels strings.Builder
		for k := 0; k < n; k++ {
			fmt.Fprintf(&labels, "[a%d]", k)
		}
		parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=0:a=1[aout]", labels.String(), n))
	}
	return parts
}

func videoCodecArgs(p pipeline.EncodeProfile, encoders *Encoders) []string {
	encoder := encoders.For(p.Codec)
	args := []string{
		"-c:v", encoder,
		"-b:v", fmt.Sprintf("%dk", p.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", p.MaxrateKbps),
		"-bufsize", fmt.Sprintf("%dk", p.BufsizeKbps),
		"-pix_fmt", p.PixelFormat,
		"-g", strconv.Itoa(p.GOP),
		"-r", strconv.Itoa(p.FPS),
	}

	switch p.Codec {
	case "h264":
		if encoder == "libx264" {
			args = append(args, "-preset", "medium", "-profile:v", "high")
		}
	case "h265":
		if encoder == "libx265" {
			args = append(args, "-preset", "medium")
		}
		args = append(args, "-tag:v", "hvc1")
	case "vp9":
		args = append(args, "-row-mt", "1", "-deadline", "good")
	}
	return args
}

func audioEncoder(codec string) string {
	switch codec {
	case "opus":
		return "libopus"
	default:
		return "aac"
	}
}

func metadataArgs(m pipeline.Metadata) []string {
	args := []string{
		"-metadata", "title=" + m.Title,
		"-metadata", "encoded_by=" + m.Encoder,
		"-metadata", "creation_time=" + m.CreatedAt.Format("2006-01-02T15:04:05.000000Z"),
		"-metadata", "source_clips=" + strings.Join(m.SourceClipIDs, ","),
	}

	// Dynamic tags are packed into the comment field so every container keeps
	// them. Map keys marshal in sorted order.
	if len(m.Tags) > 0 {
		if data, err := json.Marshal(m.Tags); err == nil {
			args = append(args, "-metadata", "comment="+string(data))
		}
	}
	return args
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatFactor(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
