package pipeline

import (
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

// shortSides maps a resolution name to the short side of the frame in pixels
var shortSides = map[string]int{
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
	"1440p": 1440,
	"2160p": 2160,
}

// aspectRatios maps a ratio name to width:height terms
var aspectRatios = map[string][2]int{
	"9:16": {9, 16},
	"16:9": {16, 9},
	"1:1":  {1, 1},
	"4:5":  {4, 5},
}

// bitrateTiers maps a tier to its video bitrate in kbps
var bitrateTiers = map[string]int{
	"low":    1500,
	"medium": 4000,
	"high":   8000,
	"ultra":  16000,
}

// bitrateRange is the accepted video bitrate window for a resolution
type bitrateRange struct {
	min, max int
}

var bitrateRanges = map[string]bitrateRange{
	"480p":  {500, 6000},
	"720p":  {1000, 10000},
	"1080p": {2000, 20000},
	"1440p": {4000, 30000},
	"2160p": {8000, 50000},
}

// containerCodecs lists the video codecs each container accepts
var containerCodecs = map[string]map[string]bool{
	"mp4":  {"h264": true, "h265": true},
	"mov":  {"h264": true, "h265": true},
	"webm": {"vp9": true},
}

var audioCodecs = map[string]string{
	"mp4":  "aac",
	"mov":  "aac",
	"webm": "opus",
}

// ContentType returns the MIME type for a container format
func ContentType(format string) string {
	switch format {
	case "mp4":
		return "video/mp4"
	case "mov":
		return "video/quicktime"
	case "webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// Dimensions returns the output frame size for a resolution and aspect ratio.
// The short side matches the resolution; both sides are even.
func Dimensions(resolution, aspect string) (int, int, error) {
	short, ok := shortSides[resolution]
	if !ok {
		return 0, 0, mixerr.Newf(mixerr.KindEncodingProfileInvalid, "compile", "unknown resolution %q", resolution)
	}
	ratio, ok := aspectRatios[aspect]
	if !ok {
		return 0, 0, mixerr.Newf(mixerr.KindEncodingProfileInvalid, "compile", "unknown aspect ratio %q", aspect)
	}

	w, h := ratio[0], ratio[1]
	if w <= h {
		return even(short), even(short * h / w), nil
	}
	return even(short * w / h), even(short), nil
}

func even(v int) int {
	return v &^ 1
}

// BuildEncodeProfile validates the encoding settings and derives the profile
func BuildEncodeProfile(s *models.MixSettings) (EncodeProfile, error) {
	invalid := func(format string, args ...interface{}) (EncodeProfile, error) {
		return EncodeProfile{}, mixerr.Newf(mixerr.KindEncodingProfileInvalid, "compile", format, args...)
	}

	width, height, err := Dimensions(s.Resolution, s.AspectRatio)
	if err != nil {
		return EncodeProfile{}, err
	}

	kbps, ok := bitrateTiers[s.Bitrate]
	if !ok {
		return invalid("unknown bitrate tier %q", s.Bitrate)
	}
	if r := bitrateRanges[s.Resolution]; kbps < r.min || kbps > r.max {
		return invalid("bitrate tier %q (%d kbps) is outside %d..%d kbps for %s",
			s.Bitrate, kbps, r.min, r.max, s.Resolution)
	}

	codecs, ok := containerCodecs[s.Format]
	if !ok {
		return invalid("unknown format %q", s.Format)
	}
	if !codecs[s.Codec] {
		return invalid("codec %q is not valid for %s", s.Codec, s.Format)
	}

	if s.FrameRate < 1 || s.FrameRate > 120 {
		return invalid("frame rate %d out of range", s.FrameRate)
	}

	profile := EncodeProfile{
		Codec:       s.Codec,
		Container:   s.Format,
		Width:       width,
		Height:      height,
		FPS:         s.FrameRate,
		BitrateKbps: kbps,
		MaxrateKbps: kbps * 3 / 2,
		BufsizeKbps: kbps * 2,
		PixelFormat: "yuv420p",
		GOP:         s.FrameRate * 2,
	}
	if s.AudioMode != models.AudioMute {
		profile.AudioCodec = audioCodecs[s.Format]
		profile.AudioBitrateKbps = 128
	}
	return profile, nil
}
