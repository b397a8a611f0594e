package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

var (
	ErrRunNotFound = errors.New("backup run not found")
	ErrNoRuns      = errors.New("no backup runs recorded")
)

// Run is the ledger record of one backup batch.
type Run struct {
	ID           string    `json:"id"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Destination  string    `json:"destination"`
	Repositories []string  `json:"repositories"`
	Verified     []string  `json:"verified"`
	Files        int       `json:"files"`
	Bytes        int64     `json:"bytes"`
	Failed       string    `json:"failed,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Complete reports whether every repository in the run was verified.
func (r *Run) Complete() bool {
	return r.Error == "" && len(r.Verified) == len(r.Repositories)
}

// HasVerified reports whether repo was verified in this run.
func (r *Run) HasVerified(repo string) bool {
	for _, v := range r.Verified {
		if v == repo {
			return true
		}
	}
	return false
}

// Ledger persists backup runs in a bbolt file.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens or creates the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open backup ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize backup ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores run, replacing any earlier record with the same id.
func (l *Ledger) Record(run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// Has reports whether a run with id is recorded.
func (l *Ledger) Has(id string) (bool, error) {
	var ok bool
	err := l.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketRuns).Get([]byte(id)) != nil
		return nil
	})
	return ok, err
}

// Run returns the run with id.
func (l *Ledger) Run(id string) (*Run, error) {
	var run *Run
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrRunNotFound)
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})
	return run, err
}

// Runs returns every recorded run, newest first.
func (l *Ledger) Runs() ([]*Run, error) {
	var runs []*Run
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", k, err)
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Started.Equal(runs[j].Started) {
			return runs[i].Started.After(runs[j].Started)
		}
		return runs[i].ID > runs[j].ID
	})
	return runs, nil
}

// Latest returns the most recent run, whatever its outcome.
func (l *Ledger) Latest() (*Run, error) {
	runs, err := l.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return runs[0], nil
}

// Delete removes the run with id. Deleting an unknown run succeeds.
func (l *Ledger) Delete(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Delete([]byte(id))
	})
}
