// Package catalog provides a gorm-backed donation.CampaignDirectory.
// Campaigns and participants are owned by an external service; this store holds
// the read model checkout validates against.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// CampaignModel is the campaigns table.
type CampaignModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Status    string `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (CampaignModel) TableName() string { return "campaigns" }

// ParticipantModel is the participants table.
type ParticipantModel struct {
	ID         string `gorm:"primaryKey"`
	CampaignID string `gorm:"index;not null"`
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName implements gorm's tabler.
func (ParticipantModel) TableName() string { return "participants" }

// Store implements donation.CampaignDirectory using gorm
type Store struct {
	db *gorm.DB
}

// Open opens a SQLite catalog at dsn and migrates it
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("catalog dsn is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the catalog tables
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if err := db.AutoMigrate(&CampaignModel{}, &ParticipantModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetCampaign implements donation.CampaignDirectory
func (s *Store) GetCampaign(ctx context.Context, id string) (*donation.Campaign, error) {
	var m CampaignModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, donation.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &donation.Campaign{ID: m.ID, Name: m.Name, Status: m.Status}, nil
}

// GetParticipant implements donation.CampaignDirectory
func (s *Store) GetParticipant(ctx context.Context, id string) (*donation.Participant, error) {
	var m ParticipantModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, donation.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &donation.Participant{ID: m.ID, CampaignID: m.CampaignID, Name: m.Name}, nil
}

// SaveCampaign creates or replaces a campaign
func (s *Store) SaveCampaign(ctx context.Context, c donation.Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("%w: campaign id is required", donation.ErrInvalidRequest)
	}
	m := CampaignModel{ID: c.ID, Name: c.Name, Status: c.Status}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "status", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

// SaveParticipant creates or replaces a participant. The campaign must exist.
func (s *Store) SaveParticipant(ctx context.Context, p donation.Participant) error {
	if p.ID == "" || p.CampaignID == "" {
		return fmt.Errorf("%w: participant and campaign id are required", donation.ErrInvalidRequest)
	}
	if _, err := s.GetCampaign(ctx, p.CampaignID); err != nil {
		return err
	}

	m := ParticipantModel{ID: p.ID, CampaignID: p.CampaignID, Name: p.Name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"campaign_id", "name", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	return nil
}

// ListCampaigns returns campaigns with the given status, or all when status is empty
func (s *Store) ListCampaigns(ctx context.Context, status string) ([]donation.Campaign, error) {
	var models []CampaignModel
	q := s.db.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	out := make([]donation.Campaign, 0, len(models))
	for _, m := range models {
		out = append(out, donation.Campaign{ID: m.ID, Name: m.Name, Status: m.Status})
	}
	return out, nil
}
