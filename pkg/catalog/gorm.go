package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/reelmix/reelmix/pkg/models"
)

type projectModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	Settings  string    `gorm:"column:settings"` // JSON encoded MixSettings
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (projectModel) TableName() string {
	return "projects"
}

type groupModel struct {
	ID           string `gorm:"column:id;primaryKey"`
	ProjectID    string `gorm:"column:project_id;index"`
	Name         string `gorm:"column:name"`
	DisplayOrder int    `gorm:"column:display_order"`
	Ordered      bool   `gorm:"column:ordered"`
}

func (groupModel) TableName() string {
	return "clip_groups"
}

type clipModel struct {
	ID        string  `gorm:"column:id;primaryKey"`
	ProjectID string  `gorm:"column:project_id;index"`
	GroupID   string  `gorm:"column:group_id;index"`
	Position  int     `gorm:"column:position"` // membership order within the group
	Duration  float64 `gorm:"column:duration"`
	Width     int     `gorm:"column:width"`
	Height    int     `gorm:"column:height"`
	Codec     string  `gorm:"column:codec"`
	HasAudio  bool    `gorm:"column:has_audio"`
	Path      string  `gorm:"column:path"`
}

func (clipModel) TableName() string {
	return "clips"
}

func (m clipModel) toClip() *models.Clip {
	return &models.Clip{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		GroupID:   m.GroupID,
		Duration:  m.Duration,
		Width:     m.Width,
		Height:    m.Height,
		Codec:     m.Codec,
		HasAudio:  m.HasAudio,
		Path:      m.Path,
	}
}

// GormCatalog reads the catalog tables through gorm
type GormCatalog struct {
	db *gorm.DB
}

// Open connects to the catalog database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*GormCatalog, error) {
	if dsn == "" {
		return nil, errors.New("catalog dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", driver, err)
	}
	return NewGormCatalog(db), nil
}

// NewGormCatalog wraps an open gorm handle
func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

// Migrate creates the catalog tables. The owning application normally
// manages them; this is for local setups and tests.
func (c *GormCatalog) Migrate() error {
	return c.db.AutoMigrate(&projectModel{}, &groupModel{}, &clipModel{})
}

// Close releases the underlying connection pool
func (c *GormCatalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *GormCatalog) projectExists(ctx context.Context, projectID string) error {
	var count int64
	if err := c.db.WithContext(ctx).Model(&projectModel{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return projectNotFound(projectID)
	}
	return nil
}

// ListClips returns every clip of a project
func (c *GormCatalog) ListClips(ctx context.Context, projectID string) ([]*models.Clip, error) {
	if err := c.projectExists(ctx, projectID); err != nil {
		return nil, err
	}

	var rows []clipModel
	if err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("group_id, position, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	clips := make([]*models.Clip, len(rows))
	for i, row := range rows {
		clips[i] = row.toClip()
	}
	return clips, nil
}

// ListGroups returns the project's groups in display order with their clips
func (c *GormCatalog) ListGroups(ctx context.Context, projectID string) ([]*models.Group, error) {
	if err := c.projectExists(ctx, projectID); err != nil {
		return nil, err
	}

	var groupRows []groupModel
	if err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("display_order, id").
		Find(&groupRows).Error; err != nil {
		return nil, err
	}

	var clipRows []clipModel
	if err := c.db.WithContext(ctx).
		Where("project_id = ? AND group_id <> ''", projectID).
		Order("position, id").
		Find(&clipRows).Error; err != nil {
		return nil, err
	}

	byGroup := make(map[string][]*models.Clip)
	for _, row := range clipRows {
		byGroup[row.GroupID] = append(byGroup[row.GroupID], row.toClip())
	}

	groups := make([]*models.Group, len(groupRows))
	for i, row := range groupRows {
		groups[i] = &models.Group{
			ID:           row.ID,
			ProjectID:    row.ProjectID,
			Name:         row.Name,
			DisplayOrder: row.DisplayOrder,
			Ordered:      row.Ordered,
			Clips:        byGroup[row.ID],
		}
	}
	return groups, nil
}

// GetSettings decodes the project's stored settings
func (c *GormCatalog) GetSettings(ctx context.Context, projectID string) (*models.MixSettings, error) {
	var row projectModel
	err := c.db.WithContext(ctx).Where("id = ?", projectID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, projectNotFound(projectID)
	}
	if err != nil {
		return nil, err
	}

	var s models.MixSettings
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &s); err != nil {
			return nil, fmt.Errorf("decode settings of project %s: %w", projectID, err)
		}
	}
	return &s, nil
}

// SaveProject upserts a project with its settings
func (c *GormCatalog) SaveProject(ctx context.Context, projectID, name string, s *models.MixSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row := projectModel{ID: projectID, Name: name, Settings: string(data), CreatedAt: now, UpdatedAt: now}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "settings", "updated_at"}),
	}).Create(&row).Error
}

// SaveGroup upserts a group and its clips in membership order
func (c *GormCatalog) SaveGroup(ctx context.Context, g *models.Group) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := groupModel{
			ID:           g.ID,
			ProjectID:    g.ProjectID,
			Name:         g.Name,
			DisplayOrder: g.DisplayOrder,
			Ordered:      g.Ordered,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		for i, clip := range g.Clips {
			clip.GroupID = g.ID
			clip.ProjectID = g.ProjectID
			if err := saveClip(tx, clip, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveClips upserts ungrouped clips
func (c *GormCatalog) SaveClips(ctx context.Context, projectID string, clips ...*models.Clip) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, clip := range clips {
			clip.ProjectID = projectID
			clip.GroupID = ""
			if err := saveClip(tx, clip, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveClip(tx *gorm.DB, clip *models.Clip, position int) error {
	row := clipModel{
		ID:        clip.ID,
		ProjectID: clip.ProjectID,
		GroupID:   clip.GroupID,
		Position:  position,
		Duration:  clip.Duration,
		Width:     clip.Width,
		Height:    clip.Height,
		Codec:     clip.Codec,
		HasAudio:  clip.HasAudio,
		Path:      clip.Path,
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}
