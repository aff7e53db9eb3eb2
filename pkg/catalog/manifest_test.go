package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/models"
)

const springManifest = `
project: spring
name: Spring campaign
settings:
  group_mixing: true
  resolution: 720p
  output_count: 6
  campaign_tags: {campaign: spring}
groups:
  - id: hook
    name: Hook
    clips:
      - {id: h1, path: /media/h1.mp4, duration: 3, width: 1080, height: 1920}
      - {id: h2, path: /media/h2.mp4, duration: 4, width: 1080, height: 1920, has_audio: false}
  - id: cta
    name: Call to action
    ordered: true
    clips:
      - {id: c1, path: /media/c1.mp4, duration: 2, width: 1080, height: 1920}
clips:
  - {id: loose, path: /media/loose.mp4, duration: 5, width: 720, height: 1280}
`

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(springManifest))
	require.NoError(t, err)
	assert.Equal(t, "spring", m.Project)
	require.Len(t, m.Groups, 2)

	s, err := m.MixSettings()
	require.NoError(t, err)
	assert.True(t, s.GroupMixing)
	assert.Equal(t, 6, s.OutputCount)
	assert.Equal(t, "spring", s.CampaignTags["campaign"])
}

func TestLoadManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no project", "groups: []\n"},
		{"unknown key", "project: p\nowner: someone\n"},
		{"clip without path", "project: p\nclips: [{id: a, duration: 2}]\n"},
		{"clip without duration", "project: p\nclips: [{id: a, path: /a.mp4}]\n"},
		{"duplicate clip", "project: p\nclips: [{id: a, path: /a.mp4, duration: 1}, {id: a, path: /b.mp4, duration: 1}]\n"},
		{"group without id", "project: p\ngroups: [{name: x}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}

	m, err := LoadManifest(strings.NewReader("project: p\nsettings: {speed_mixing: yes_please}\n"))
	require.NoError(t, err)
	_, err = m.MixSettings()
	assert.Error(t, err, "settings are decoded strictly")
}

func assertSpringSource(t *testing.T, c Catalog) {
	t.Helper()
	src, err := LoadSource(context.Background(), c, "spring")
	require.NoError(t, err)
	require.Len(t, src.Groups, 2)
	assert.Equal(t, "hook", src.Groups[0].ID)
	assert.Equal(t, "cta", src.Groups[1].ID)
	assert.True(t, src.Groups[1].Ordered)
	require.Len(t, src.Groups[0].Clips, 2)
	assert.False(t, src.Groups[0].Clips[1].HasAudio)
	assert.True(t, src.Groups[0].Clips[0].HasAudio, "audio defaults to present")
	require.Len(t, src.Ungrouped, 1)
	assert.Equal(t, 4, src.ClipCount())
}

func TestManifestApplyMemory(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(springManifest))
	require.NoError(t, err)

	c := NewMemoryCatalog()
	require.NoError(t, m.Apply(context.Background(), c))
	require.NoError(t, m.Apply(context.Background(), c), "re-applying replaces rows")
	assertSpringSource(t, c)
}

func TestManifestApplyGorm(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(springManifest))
	require.NoError(t, err)

	c, err := Open("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Migrate())

	require.NoError(t, m.Apply(context.Background(), c))
	require.NoError(t, m.Apply(context.Background(), c))
	assertSpringSource(t, c)

	s, err := c.GetSettings(context.Background(), "spring")
	require.NoError(t, err)
	assert.Equal(t, models.DurationType(""), s.DurationType)
	assert.Equal(t, "720p", s.Resolution)
}
