package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Journal keeps non-terminal attempts across restarts
type Journal interface {
	Save(a Attempt) error
	Delete(id string) error
	Pending() ([]Attempt, error)
	Close() error
}

const (
	journalOpenTimeout             = time.Second
	journalFileMode    os.FileMode = 0o600
)

var attemptsBucket = []byte("delivery_attempts")

// BoltJournal is a Journal backed by a bbolt file
type BoltJournal struct {
	db *bbolt.DB
}

// OpenBoltJournal opens or creates the journal file at path
func OpenBoltJournal(path string) (*BoltJournal, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("delivery journal: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, journalFileMode, &bbolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("delivery journal: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(attemptsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("delivery journal: create bucket: %w", err)
	}

	return &BoltJournal{db: db}, nil
}

// Save writes the attempt, replacing any earlier state
func (j *BoltJournal) Save(a Attempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("delivery journal: marshal attempt: %w", err)
	}
	err = j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(attemptsBucket).Put([]byte(a.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("delivery journal: save attempt: %w", err)
	}
	return nil
}

// Delete removes an attempt
func (j *BoltJournal) Delete(id string) error {
	err := j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(attemptsBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delivery journal: delete attempt: %w", err)
	}
	return nil
}

// Pending lists every journaled attempt
func (j *BoltJournal) Pending() ([]Attempt, error) {
	var out []Attempt
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(attemptsBucket).ForEach(func(k, v []byte) error {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("delivery journal: list attempts: %w", err)
	}
	return out, nil
}

// Close closes the underlying file
func (j *BoltJournal) Close() error {
	return j.db.Close()
}
