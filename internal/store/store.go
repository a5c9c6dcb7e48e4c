// Package store persists transfer history in a local sqlite database.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TransferRecord is one finished (or failed) transfer.
type TransferRecord struct {
	ID         uint   `gorm:"primarykey"`
	FileID     string `gorm:"index"`
	FileName   string
	FileSize   int64
	Direction  string
	PeerID     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

type Store struct {
	db *gorm.DB
}

// NewStore opens (and migrates) the history database at path.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one transfer to the history.
func (s *Store) Record(rec *TransferRecord) error {
	return s.db.Create(rec).Error
}

// List returns the most recent transfers, newest first. A limit of 0
// returns everything.
func (s *Store) List(limit int) ([]TransferRecord, error) {
	var records []TransferRecord
	q := s.db.Order("finished_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
