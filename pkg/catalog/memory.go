package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/reelmix/reelmix/pkg/models"
)

// MemoryCatalog is an in-memory catalog for tests and local runs
type MemoryCatalog struct {
	mu       sync.RWMutex
	settings map[string]*models.MixSettings
	groups   map[string][]*models.Group
	clips    map[string][]*models.Clip
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		settings: make(map[string]*models.MixSettings),
		groups:   make(map[string][]*models.Group),
		clips:    make(map[string][]*models.Clip),
	}
}

// SetSettings stores a project's settings, creating the project
func (c *MemoryCatalog) SetSettings(projectID string, s *models.MixSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cloned := s.Clone()
	c.settings[projectID] = &cloned
}

// AddGroup adds a group and its clips to a project
func (c *MemoryCatalog) AddGroup(g *models.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ProjectID] = append(c.groups[g.ProjectID], g)
	for _, clip := range g.Clips {
		clip.GroupID = g.ID
		clip.ProjectID = g.ProjectID
		c.clips[g.ProjectID] = append(c.clips[g.ProjectID], clip)
	}
}

// AddClips adds ungrouped clips to a project
func (c *MemoryCatalog) AddClips(projectID string, clips ...*models.Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, clip := range clips {
		clip.ProjectID = projectID
		c.clips[projectID] = append(c.clips[projectID], clip)
	}
}

// ListClips returns every clip of a project
func (c *MemoryCatalog) ListClips(ctx context.Context, projectID string) ([]*models.Clip, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.knownLocked(projectID) {
		return nil, projectNotFound(projectID)
	}
	return append([]*models.Clip(nil), c.clips[projectID]...), nil
}

// ListGroups returns the project's groups in display order
func (c *MemoryCatalog) ListGroups(ctx context.Context, projectID string) ([]*models.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.knownLocked(projectID) {
		return nil, projectNotFound(projectID)
	}
	groups := append([]*models.Group(nil), c.groups[projectID]...)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].DisplayOrder < groups[j].DisplayOrder })
	return groups, nil
}

// GetSettings returns a copy of the project's settings
func (c *MemoryCatalog) GetSettings(ctx context.Context, projectID string) (*models.MixSettings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.settings[projectID]
	if !ok {
		return nil, projectNotFound(projectID)
	}
	cloned := s.Clone()
	return &cloned, nil
}

func (c *MemoryCatalog) knownLocked(projectID string) bool {
	_, ok := c.settings[projectID]
	return ok
}

// SaveProject implements Writer
func (c *MemoryCatalog) SaveProject(ctx context.Context, projectID, name string, s *models.MixSettings) error {
	c.SetSettings(projectID, s)
	return nil
}

// SaveGroup implements Writer. Saving a group again replaces it.
func (c *MemoryCatalog) SaveGroup(ctx context.Context, g *models.Group) error {
	c.mu.Lock()
	groups := c.groups[g.ProjectID][:0]
	for _, existing := range c.groups[g.ProjectID] {
		if existing.ID != g.ID {
			groups = append(groups, existing)
		}
	}
	c.groups[g.ProjectID] = groups
	c.removeClipsLocked(g.ProjectID, func(clip *models.Clip) bool { return clip.GroupID == g.ID })
	c.mu.Unlock()

	c.AddGroup(g)
	return nil
}

// SaveClips implements Writer. Clips with known ids are replaced.
func (c *MemoryCatalog) SaveClips(ctx context.Context, projectID string, clips ...*models.Clip) error {
	ids := make(map[string]bool, len(clips))
	for _, clip := range clips {
		ids[clip.ID] = true
	}
	c.mu.Lock()
	c.removeClipsLocked(projectID, func(clip *models.Clip) bool { return ids[clip.ID] })
	c.mu.Unlock()

	c.AddClips(projectID, clips...)
	return nil
}

func (c *MemoryCatalog) removeClipsLocked(projectID string, drop func(*models.Clip) bool) {
	kept := c.clips[projectID][:0]
	for _, clip := range c.clips[projectID] {
		if !drop(clip) {
			kept = append(kept, clip)
		}
	}
	c.clips[projectID] = kept
}
