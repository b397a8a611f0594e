package repo

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStaged  = []byte("staged")
	bucketRemoved = []byte("removed")
	bucketTracked = []byte("tracked")
	bucketMeta    = []byte("meta")

	keyHead = []byte("head")
)

// Entry records one file's content at the time it was staged.
type Entry struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Commit is the snapshot recorded by Commit. Only the head is kept.
type Commit struct {
	ID        string    `json:"id"`
	Parent    string    `json:"parent,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Files     int       `json:"files"`
}

// index is the staging area kept in .oxen/index.db.
type index struct {
	db *bolt.DB
}

func openIndex(root string) (*index, error) {
	path := filepath.Join(root, OxenDir, "index.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStaged, bucketRemoved, bucketTracked, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func (ix *index) stage(path string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRemoved).Delete([]byte(path)); err != nil {
			return err
		}
		return tx.Bucket(bucketStaged).Put([]byte(path), data)
	})
}

// remove unstages path and, when it is tracked, stages its removal. It
// reports whether the index knew the path at all.
func (ix *index) remove(path string) (bool, error) {
	known := false
	err := ix.db.Update(func(tx *bolt.Tx) error {
		staged := tx.Bucket(bucketStaged)
		if staged.Get([]byte(path)) != nil {
			known = true
			if err := staged.Delete([]byte(path)); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketTracked).Get([]byte(path)) != nil {
			known = true
			return tx.Bucket(bucketRemoved).Put([]byte(path), []byte{1})
		}
		return nil
	})
	return known, err
}

func (ix *index) entry(bucket []byte, path string) (*Entry, error) {
	var e *Entry
	err := ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(path))
		if data == nil {
			return nil
		}
		e = &Entry{}
		return json.Unmarshal(data, e)
	})
	return e, err
}

func (ix *index) entries(bucket []byte) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt index entry %s: %w", k, err)
			}
			out[string(k)] = e
			return nil
		})
	})
	return out, err
}

// paths returns the keys of bucket in sorted order. bbolt keeps keys sorted.
func (ix *index) paths(bucket []byte) ([]string, error) {
	var out []string
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// pending returns the tracked set a commit would produce: tracked entries
// plus staged ones, minus staged removals.
func (ix *index) pending() (map[string]Entry, error) {
	var out map[string]Entry
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = fold(tx)
		return err
	})
	return out, err
}

// fold computes the post-commit tracked set inside tx.
func fold(tx *bolt.Tx) (map[string]Entry, error) {
	staged, removed, tracked := tx.Bucket(bucketStaged), tx.Bucket(bucketRemoved), tx.Bucket(bucketTracked)
	if isEmpty(staged) && isEmpty(removed) {
		return nil, ErrNothingToCommit
	}
	out := make(map[string]Entry)
	decode := func(k, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("corrupt index entry %s: %w", k, err)
		}
		out[string(k)] = e
		return nil
	}
	if err := tracked.ForEach(decode); err != nil {
		return nil, err
	}
	if err := staged.ForEach(decode); err != nil {
		return nil, err
	}
	if err := removed.ForEach(func(k, _ []byte) error {
		delete(out, string(k))
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// commit folds staged entries and removals into the tracked set and records
// c as the head. It fails with ErrIndexChanged when the fold no longer
// matches want, the set the manifest was built from.
func (ix *index) commit(c *Commit, want map[string]Entry) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		got, err := fold(tx)
		if err != nil {
			return err
		}
		if !sameHashes(got, want) {
			return ErrIndexChanged
		}

		staged, removed, tracked := tx.Bucket(bucketStaged), tx.Bucket(bucketRemoved), tx.Bucket(bucketTracked)
		if err := staged.ForEach(func(k, v []byte) error { return tracked.Put(k, v) }); err != nil {
			return err
		}
		if err := removed.ForEach(func(k, _ []byte) error { return tracked.Delete(k) }); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketStaged, bucketRemoved} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		if head := tx.Bucket(bucketMeta).Get(keyHead); head != nil {
			var parent Commit
			if err := json.Unmarshal(head, &parent); err == nil {
				c.Parent = parent.ID
			}
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyHead, data)
	})
}

func sameHashes(a, b map[string]Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for p, e := range a {
		if o, ok := b[p]; !ok || o.Hash != e.Hash {
			return false
		}
	}
	return true
}

func (ix *index) head() (*Commit, error) {
	var c *Commit
	err := ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyHead)
		if data == nil {
			return nil
		}
		c = &Commit{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

func isEmpty(b *bolt.Bucket) bool {
	k, _ := b.Cursor().First()
	return k == nil
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
