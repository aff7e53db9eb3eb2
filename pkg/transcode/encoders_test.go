package transcode

import "testing"

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D libvpx-vp9           libvpx VP9 (codec vp9)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoderList(t *testing.T) {
	got := parseEncoderList(sampleEncoders)
	want := []string{"libx264", "h264_nvenc", "libvpx-vp9", "aac"}

	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Encoder %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEncodersFor(t *testing.T) {
	enc := DefaultEncoders()
	if got := enc.For("h264"); got != "libx264" {
		t.Errorf("Expected libx264, got %s", got)
	}

	delete(enc.Selected, "h265")
	if got := enc.For("h265"); got != "libx265" {
		t.Errorf("Expected software fallback libx265, got %s", got)
	}

	enc.Selected["vp9"] = "vp9_qsv"
	if got := enc.For("vp9"); got != "vp9_qsv" {
		t.Errorf("Expected vp9_qsv, got %s", got)
	}
}
