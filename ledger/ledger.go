// Package ledger persists the terminal state of every item so repeat runs
// skip finished work without touching the network.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"streamfetch/internal"
)

var (
	bucketDownloads = []byte("downloads")
	bucketFailed    = []byte("failed")
)

// Ledger is a bolt-backed CompletionLog. Safe for concurrent use; bolt
// serializes writers internally.
type Ledger struct {
	db *bolt.DB
}

// Open creates or opens the ledger database at path, creating parent
// directories as needed.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDownloads, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Lookup returns the stored record for key, completed downloads first. Nil
// means the item has never reached a terminal state.
func (l *Ledger) Lookup(key internal.ItemKey) (*internal.LedgerRecord, error) {
	var record *internal.LedgerRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		k := []byte(key.String())
		for _, bucket := range [][]byte{bucketDownloads, bucketFailed} {
			v := tx.Bucket(bucket).Get(k)
			if v == nil {
				continue
			}
			var r internal.LedgerRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", key, err)
			}
			record = &r
			return nil
		}
		return nil
	})
	return record, err
}

// RecordDone marks key as downloaded to path. Any earlier failure entry for
// the key is cleared.
func (l *Ledger) RecordDone(key internal.ItemKey, path string) error {
	record := internal.LedgerRecord{
		Status:      string(internal.OutcomeDone),
		Path:        path,
		CompletedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		k := []byte(key.String())
		if err := tx.Bucket(bucketFailed).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketDownloads).Put(k, data)
	})
}

// RecordFailed marks key as permanently failed. A key that already completed
// keeps its download entry; the failure is recorded alongside for Stats.
func (l *Ledger) RecordFailed(key internal.ItemKey, reason string) error {
	record := internal.LedgerRecord{
		Status:      string(internal.OutcomeFailed),
		Reason:      reason,
		CompletedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).Put([]byte(key.String()), data)
	})
}

// Forget removes every record for key so the item is eligible again.
func (l *Ledger) Forget(key internal.ItemKey) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		k := []byte(key.String())
		if err := tx.Bucket(bucketDownloads).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketFailed).Delete(k)
	})
}

// Stats summarizes the ledger contents.
type Stats struct {
	Done   int
	Failed int
}

// Stats counts the stored records per terminal state.
func (l *Ledger) Stats() (Stats, error) {
	var stats Stats
	err := l.db.View(func(tx *bolt.Tx) error {
		stats.Done = tx.Bucket(bucketDownloads).Stats().KeyN
		stats.Failed = tx.Bucket(bucketFailed).Stats().KeyN
		return nil
	})
	return stats, err
}

// Failures returns every failed entry keyed by item, for the status report.
func (l *Ledger) Failures() (map[string]internal.LedgerRecord, error) {
	failures := make(map[string]internal.LedgerRecord)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).ForEach(func(k, v []byte) error {
			var r internal.LedgerRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", k, err)
			}
			failures[string(k)] = r
			return nil
		})
	})
	return failures, err
}

// Clear drops every record.
func (l *Ledger) Clear() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDownloads, bucketFailed} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}
