package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/bwcgen/pkg/version"
	bolt "go.etcd.io/bbolt"
)

var bucketFixtures = []byte("fixtures")

// BoltStore implements Store on a single bbolt file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the journal at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFixtures); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketFixtures, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutRecord(record *Record) error {
	if record.Version == "" {
		return fmt.Errorf("record has no version")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFixtures).Put([]byte(record.Version), data)
	})
}

func (s *BoltStore) GetRecord(v string) (*Record, error) {
	var record Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFixtures).Get([]byte(v))
		if data == nil {
			return fmt.Errorf("fixture not found: %s", v)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecords returns every record in version order
func (s *BoltStore) ListRecords() ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFixtures).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, errA := version.Parse(records[i].Version)
		b, errB := version.Parse(records[j].Version)
		if errA != nil || errB != nil {
			return records[i].Version < records[j].Version
		}
		return a.Less(b)
	})
	return records, nil
}

func (s *BoltStore) DeleteRecord(v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFixtures).Delete([]byte(v))
	})
}
