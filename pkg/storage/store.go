package storage

import "time"

// Record describes one generated fixture archive
type Record struct {
	Version     string    `json:"version"`
	Archive     string    `json:"archive"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Store keeps the fixture journal.
// Records are keyed by version; a newer record replaces the older one.
type Store interface {
	PutRecord(record *Record) error
	GetRecord(version string) (*Record, error)
	ListRecords() ([]*Record, error)
	DeleteRecord(version string) error

	Close() error
}
