// Package store persists the catalog of finished recordings in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a recording id is not in the catalog.
var ErrNotFound = errors.New("recording not found")

// Recording is one finished recording and its concatenated output.
type Recording struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Path       string    `json:"path" gorm:"not null"`
	DurationMS int64     `json:"duration_ms" gorm:"not null"`
	StoppedAt  time.Time `json:"stopped_at" gorm:"not null;index"`
	CreatedAt  time.Time `json:"created_at"`

	Segments []SegmentRow `json:"segments" gorm:"foreignKey:RecordingID;constraint:OnDelete:CASCADE"`
}

// SegmentRow is one captured segment of a recording.
type SegmentRow struct {
	RecordingID   string `json:"-" gorm:"primaryKey"`
	SegmentIndex  int    `json:"index" gorm:"primaryKey;autoIncrement:false"`
	Path          string `json:"path" gorm:"not null"`
	StartOffsetMS int64  `json:"start_offset_ms" gorm:"not null"`
	DurationMS    int64  `json:"duration_ms" gorm:"not null"`
	StopReason    string `json:"stop_reason" gorm:"not null"`
}

// Store is the sqlite-backed recordings catalog. Safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Recording{}, &SegmentRow{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts a recording and replaces its segment rows.
func (s *Store) Save(ctx context.Context, rec Recording) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recording_id = ?", rec.ID).Delete(&SegmentRow{}).Error; err != nil {
			return fmt.Errorf("clear segments for %s: %w", rec.ID, err)
		}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("save recording %s: %w", rec.ID, err)
		}
		return nil
	})
}

// Get returns one recording with its segments.
func (s *Store) Get(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	err := s.db.WithContext(ctx).Preload("Segments").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Recording{}, fmt.Errorf("get recording %s: %w", id, err)
	}
	return rec, nil
}

// List returns all recordings, newest first.
func (s *Store) List(ctx context.Context) ([]Recording, error) {
	var recs []Recording
	err := s.db.WithContext(ctx).
		Preload("Segments").
		Order("stopped_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

// Delete removes a recording and its segment rows from the catalog. The
// audio files on disk are the caller's problem.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recording_id = ?", id).Delete(&SegmentRow{}).Error; err != nil {
			return fmt.Errorf("delete segments for %s: %w", id, err)
		}
		res := tx.Delete(&Recording{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete recording %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}
