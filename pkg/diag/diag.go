package diag

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/module"
)

var (
	bucketTeardown = []byte("teardown")
	bucketPanics   = []byte("panics")
)

// Store is a small bbolt-backed append log for crash and teardown
// records. It is never read by the broker itself at startup — only ever
// written to, and read back by an operator or a support tool.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the diagnostics database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "diag.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTeardown, bucketPanics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("diag: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// TeardownRecord is the matchtag leak report for one handle at shutdown.
type TeardownRecord struct {
	Handle    string
	Timestamp time.Time
	Stats     message.TeardownStats
}

// RecordTeardown persists a handle's matchtag teardown stats, keyed by
// handle name and timestamp so repeated restarts don't overwrite history.
func (s *Store) RecordTeardown(handle string, stats message.TeardownStats) error {
	rec := TeardownRecord{Handle: handle, Timestamp: time.Now(), Stats: stats}
	return s.put(bucketTeardown, fmt.Sprintf("%s/%d", handle, rec.Timestamp.UnixNano()), rec)
}

// PanicRecord snapshots the module table at the moment of a broker.panic
// RPC.
type PanicRecord struct {
	Reason    string
	Timestamp time.Time
	Modules   []module.Info
}

// RecordPanic persists a module-table snapshot and the reason the broker
// is about to exit.
func (s *Store) RecordPanic(reason string, mods []module.Info) error {
	rec := PanicRecord{Reason: reason, Timestamp: time.Now(), Modules: mods}
	return s.put(bucketPanics, fmt.Sprintf("%d", rec.Timestamp.UnixNano()), rec)
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("diag: marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// Teardowns returns every persisted teardown record in key order: grouped
// by handle name, oldest first within each handle.
func (s *Store) Teardowns() ([]TeardownRecord, error) {
	var out []TeardownRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeardown).ForEach(func(k, v []byte) error {
			var rec TeardownRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Panics returns every persisted panic snapshot, oldest first.
func (s *Store) Panics() ([]PanicRecord, error) {
	var out []PanicRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPanics).ForEach(func(k, v []byte) error {
			var rec PanicRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
