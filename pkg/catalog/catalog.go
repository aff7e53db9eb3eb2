// Package catalog reads projects, clip groups and clips owned by the upload
// side of the product.
package catalog

import (
	"context"
	"fmt"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

// Catalog is the read interface the mix pipeline consumes
type Catalog interface {
	// ListClips returns every clip of a project, grouped or not
	ListClips(ctx context.Context, projectID string) ([]*models.Clip, error)

	// ListGroups returns the project's groups in display order with their
	// clips in membership order
	ListGroups(ctx context.Context, projectID string) ([]*models.Group, error)

	// GetSettings returns the project's stored mix settings
	GetSettings(ctx context.Context, projectID string) (*models.MixSettings, error)
}

// Source is the clip material of one project ready for plan generation
type Source struct {
	Groups    []*models.Group
	Ungrouped []*models.Clip
}

// ClipCount returns the number of clips in the source
func (s *Source) ClipCount() int {
	n := len(s.Ungrouped)
	for _, g := range s.Groups {
		n += len(g.Clips)
	}
	return n
}

// LoadSource reads a project's groups and the clips that belong to none
func LoadSource(ctx context.Context, c Catalog, projectID string) (*Source, error) {
	groups, err := c.ListGroups(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	clips, err := c.ListClips(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}

	grouped := make(map[string]bool)
	for _, g := range groups {
		for _, clip := range g.Clips {
			grouped[clip.ID] = true
		}
	}

	src := &Source{Groups: groups}
	for _, clip := range clips {
		if !grouped[clip.ID] {
			src.Ungrouped = append(src.Ungrouped, clip)
		}
	}
	return src, nil
}

func projectNotFound(projectID string) error {
	return mixerr.New(mixerr.KindNotFound, "catalog", fmt.Errorf("project %s: %w", projectID, mixerr.ErrNotFound))
}
