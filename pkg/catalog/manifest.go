package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/reelmix/reelmix/pkg/models"
)

// Writer is implemented by catalogs that can be seeded locally
type Writer interface {
	SaveProject(ctx context.Context, projectID, name string, s *models.MixSettings) error
	SaveGroup(ctx context.Context, g *models.Group) error
	SaveClips(ctx context.Context, projectID string, clips ...*models.Clip) error
}

// Manifest is a YAML description of one project, used to seed a catalog
// for local runs:
//
//	project: spring
//	name: Spring campaign
//	settings: {group_mixing: true, output_count: 20}
//	groups:
//	  - id: hook
//	    clips: [{id: h1, path: /media/h1.mp4, duration: 3.2, width: 1080, height: 1920}]
//	clips: []
type Manifest struct {
	Project  string                 `yaml:"project"`
	Name     string                 `yaml:"name"`
	Settings map[string]interface{} `yaml:"settings"`
	Groups   []ManifestGroup        `yaml:"groups"`
	Clips    []ManifestClip         `yaml:"clips"` // ungrouped
}

type ManifestGroup struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Ordered bool           `yaml:"ordered"`
	Clips   []ManifestClip `yaml:"clips"`
}

type ManifestClip struct {
	ID       string  `yaml:"id"`
	Path     string  `yaml:"path"`
	Duration float64 `yaml:"duration"`
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	Codec    string  `yaml:"codec"`
	HasAudio *bool   `yaml:"has_audio"` // defaults to true
}

// LoadManifest parses and checks a manifest
func LoadManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Project == "" {
		return nil, errors.New("manifest: project is required")
	}

	seen := make(map[string]bool)
	check := func(c ManifestClip) error {
		if c.ID == "" || c.Path == "" {
			return errors.New("manifest: every clip needs an id and a path")
		}
		if c.Duration <= 0 {
			return fmt.Errorf("manifest: clip %s has no duration", c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("manifest: clip %s is listed twice", c.ID)
		}
		seen[c.ID] = true
		return nil
	}
	for _, g := range m.Groups {
		if g.ID == "" {
			return nil, errors.New("manifest: every group needs an id")
		}
		for _, c := range g.Clips {
			if err := check(c); err != nil {
				return nil, err
			}
		}
	}
	for _, c := range m.Clips {
		if err := check(c); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// MixSettings decodes the manifest's settings with the same strictness as
// API requests
func (m *Manifest) MixSettings() (*models.MixSettings, error) {
	if len(m.Settings) == 0 {
		return &models.MixSettings{}, nil
	}
	raw, err := json.Marshal(m.Settings)
	if err != nil {
		return nil, fmt.Errorf("manifest settings: %w", err)
	}
	return models.DecodeSettings(bytes.NewReader(raw))
}

// Apply writes the project, its groups in listed order and its ungrouped
// clips. Re-applying a manifest updates rows in place.
func (m *Manifest) Apply(ctx context.Context, w Writer) error {
	settings, err := m.MixSettings()
	if err != nil {
		return err
	}
	name := m.Name
	if name == "" {
		name = m.Project
	}
	if err := w.SaveProject(ctx, m.Project, name, settings); err != nil {
		return fmt.Errorf("save project %s: %w", m.Project, err)
	}

	for i, g := range m.Groups {
		group := &models.Group{
			ID:           g.ID,
			ProjectID:    m.Project,
			Name:         g.Name,
			DisplayOrder: i,
			Ordered:      g.Ordered,
		}
		for _, c := range g.Clips {
			group.Clips = append(group.Clips, c.clip())
		}
		if err := w.SaveGroup(ctx, group); err != nil {
			return fmt.Errorf("save group %s: %w", g.ID, err)
		}
	}

	if len(m.Clips) > 0 {
		clips := make([]*models.Clip, 0, len(m.Clips))
		for _, c := range m.Clips {
			clips = append(clips, c.clip())
		}
		if err := w.SaveClips(ctx, m.Project, clips...); err != nil {
			return fmt.Errorf("save clips: %w", err)
		}
	}
	return nil
}

func (c ManifestClip) clip() *models.Clip {
	hasAudio := true
	if c.HasAudio != nil {
		hasAudio = *c.HasAudio
	}
	return &models.Clip{
		ID:       c.ID,
		Path:     c.Path,
		Duration: c.Duration,
		Width:    c.Width,
		Height:   c.Height,
		Codec:    c.Codec,
		HasAudio: hasAudio,
	}
}
