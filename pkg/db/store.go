package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// Store persists scheduler and correlation state.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// SaveJob upserts the full job row.
func (s *Store) SaveJob(ctx context.Context, job model.Job) error {
	return s.DB.WithContext(ctx).Save(&job).Error
}

// SaveEvent appends to the audit trail.
func (s *Store) SaveEvent(ctx context.Context, ev model.JobEvent) error {
	return s.DB.WithContext(ctx).Create(&ev).Error
}

// SaveFindings upserts a committed ingestion batch in one transaction.
func (s *Store) SaveFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).CreateInBatches(findings, 100).Error
	})
}

// LoadJobs returns every job in creation order.
func (s *Store) LoadJobs(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := s.DB.WithContext(ctx).Order("created_at asc").Find(&jobs).Error
	return jobs, err
}

// LoadEvents returns every job event in the order it was recorded.
func (s *Store) LoadEvents(ctx context.Context) ([]model.JobEvent, error) {
	var evs []model.JobEvent
	err := s.DB.WithContext(ctx).Order("created_at asc").Find(&evs).Error
	return evs, err
}

// LoadFindings returns every stored finding.
func (s *Store) LoadFindings(ctx context.Context) ([]model.Finding, error) {
	var fs []model.Finding
	err := s.DB.WithContext(ctx).Order("first_seen asc").Find(&fs).Error
	return fs, err
}

// SaveNote appends an operator note.
func (s *Store) SaveNote(ctx context.Context, note model.FindingNote) error {
	return s.DB.WithContext(ctx).Create(&note).Error
}

// LoadNotes returns every note in the order it was written.
func (s *Store) LoadNotes(ctx context.Context) ([]model.FindingNote, error) {
	var notes []model.FindingNote
	err := s.DB.WithContext(ctx).Order("created_at asc").Find(&notes).Error
	return notes, err
}

// SaveSettings upserts one app_settings row per tunable key.
func (s *Store) SaveSettings(ctx context.Context, set model.Settings) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(set.Entries()).Error
}

// LoadSettings returns the stored overrides; an empty table yields an empty patch.
func (s *Store) LoadSettings(ctx context.Context) (model.SettingsPatch, error) {
	var rows []model.SettingEntry
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return model.SettingsPatch{}, err
	}
	return model.PatchFromEntries(rows), nil
}
