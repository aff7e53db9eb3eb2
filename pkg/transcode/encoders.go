package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
)

// softwareEncoders is the encoder used for each codec when nothing better is available
var softwareEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp9":  "libvpx-vp9",
}

// hardwarePriority lists hardware encoders per codec in preference order.
// VAAPI is left out since it needs frames uploaded to the device, which the
// mix filter graph does not do.
var hardwarePriority = map[string][]string{
	"h264": {"h264_nvenc", "h264_qsv"},
	"h265": {"hevc_nvenc", "hevc_qsv"},
	"vp9":  {"vp9_qsv"},
}

// Encoders holds the encoder chosen for each codec
type Encoders struct {
	Available         []string          // encoders compiled into ffmpeg
	Selected          map[string]string // codec -> encoder name
	ValidationReasons map[string]string // why a hardware encoder was rejected
}

// DefaultEncoders selects software encoders without probing ffmpeg
func DefaultEncoders() *Encoders {
	selected := make(map[string]string, len(softwareEncoders))
	for codec, enc := range softwareEncoders {
		selected[codec] = enc
	}
	return &Encoders{Selected: selected, ValidationReasons: map[string]string{}}
}

// For returns the encoder name for a codec
func (e *Encoders) For(codec string) string {
	if enc, ok := e.Selected[codec]; ok {
		return enc
	}
	if enc, ok := softwareEncoders[codec]; ok {
		return enc
	}
	return codec
}

// DetectEncoders queries ffmpeg for its encoders. With preferHardware,
// hardware encoders are test-encoded and used when they work; otherwise the
// software encoders are selected. Missing software encoders are an error.
func DetectEncoders(ctx context.Context, ffmpegPath string, preferHardware bool, logger *logging.Logger) (*Encoders, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &bytes.Buffer{} // Discard stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to list ffmpeg encoders: %w", err)
	}

	caps := DefaultEncoders()
	caps.Available = parseEncoderList(stdout.String())

	for codec, software := range softwareEncoders {
		if preferHardware {
			for _, hw := range hardwarePriority[codec] {
				if !contains(caps.Available, hw) {
					continue
				}
				usable, reason := isEncoderUsable(ctx, ffmpegPath, hw)
				if usable {
					logger.Info("Hardware encoder selected", map[string]interface{}{"codec": codec, "encoder": hw})
					caps.Selected[codec] = hw
					break
				}
				logger.Warn("Hardware encoder not usable", map[string]interface{}{"encoder": hw, "reason": reason})
				caps.ValidationReasons[hw] = reason
			}
		}

		if caps.Selected[codec] == software && !contains(caps.Available, software) {
			logger.Warn("Software encoder missing from ffmpeg build", map[string]interface{}{"codec": codec, "encoder": software})
			delete(caps.Selected, codec)
		}
	}

	if _, ok := caps.Selected["h264"]; !ok {
		return caps, fmt.Errorf("ffmpeg at %s has no usable h264 encoder", ffmpegPath)
	}
	return caps, nil
}

// parseEncoderList extracts encoder names from `ffmpeg -encoders` output.
// Entries look like " V....D libx264   libx264 H.264 / AVC ...".
func parseEncoderList(output string) []string {
	var encoders []string
	pastHeader := false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "---") {
			pastHeader = true
			continue
		}
		if !pastHeader {
			continue
		}
		encoders = append(encoders, fields[1])
	}
	return encoders
}

// isEncoderUsable performs a runtime test to verify an encoder is actually usable
func isEncoderUsable(ctx context.Context, ffmpegPath, encoder string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-f", "lavfi",
		"-i", "testsrc2=size=64x64:rate=1", // Tiny test pattern
		"-t", "0.1",
		"-c:v", encoder,
		"-f", "null",
		"-",
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := stderr.String()
		switch {
		case strings.Contains(stderrStr, "libcuda.so"):
			return false, "CUDA runtime not available"
		case strings.Contains(stderrStr, "No NVENC capable devices found"):
			return false, "no NVENC-capable GPU found"
		case strings.Contains(stderrStr, "Cannot load"):
			return false, "required library not available"
		case ctx.Err() == context.DeadlineExceeded:
			return false, "validation timeout (encoder may be hung)"
		default:
			return false, fmt.Sprintf("encode test failed: %v", err)
		}
	}
	return true, ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
