package storage

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	dataLeaf    = "data"
	chunkPrefix = "chunk_"
)

// Key addresses one versioned object: a content identifier inside a
// repository, optionally narrowed to a single chunk of that object.
type Key struct {
	Namespace  string
	Repository string
	ObjectID   string
	Chunk      *int
}

// NewKey builds and validates a key for a whole object.
func NewKey(namespace, repository, objectID string) (Key, error) {
	k := Key{Namespace: namespace, Repository: repository, ObjectID: objectID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// WithChunk returns a copy of k addressing chunk n.
func (k Key) WithChunk(n int) Key {
	c := n
	k.Chunk = &c
	return k
}

// Validate reports whether k can be mapped onto every backend.
func (k Key) Validate() error {
	if err := validateSegment("namespace", k.Namespace); err != nil {
		return err
	}
	if err := validateSegment("repository", k.Repository); err != nil {
		return err
	}
	if len(k.ObjectID) < 3 {
		return fmt.Errorf("%w: object id %q is shorter than 3 characters", ErrInvalidKey, k.ObjectID)
	}
	if !isHex(k.ObjectID) {
		return fmt.Errorf("%w: object id %q is not lowercase hex", ErrInvalidKey, k.ObjectID)
	}
	if k.Chunk != nil && *k.Chunk < 0 {
		return fmt.Errorf("%w: negative chunk index %d", ErrInvalidKey, *k.Chunk)
	}
	return nil
}

// String renders the key as ns/repo/objectid with an optional #chunk suffix.
func (k Key) String() string {
	s := k.Namespace + "/" + k.Repository + "/" + k.ObjectID
	if k.Chunk != nil {
		s += "#" + strconv.Itoa(*k.Chunk)
	}
	return s
}

// Equal compares keys by value, including the chunk index.
func (k Key) Equal(o Key) bool {
	if k.Namespace != o.Namespace || k.Repository != o.Repository || k.ObjectID != o.ObjectID {
		return false
	}
	if k.Chunk == nil || o.Chunk == nil {
		return k.Chunk == nil && o.Chunk == nil
	}
	return *k.Chunk == *o.Chunk
}

// shardDirs splits the object id into the two directory levels used by the
// local and object-storage layouts.
func (k Key) shardDirs() (string, string) {
	return k.ObjectID[:2], k.ObjectID[2:]
}

// leaf is the final path element holding the payload.
func (k Key) leaf() string {
	if k.Chunk == nil {
		return dataLeaf
	}
	return chunkPrefix + strconv.Itoa(*k.Chunk)
}

// parseLeaf is the inverse of leaf.
func parseLeaf(name string) (*int, bool) {
	if name == dataLeaf {
		return nil, true
	}
	if !strings.HasPrefix(name, chunkPrefix) {
		return nil, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}

// Prefix scopes a listing. Empty fields widen the scope; a Repository
// requires a Namespace and an ObjectID requires a Repository.
type Prefix struct {
	Namespace  string
	Repository string
	ObjectID   string
}

// Validate checks the prefix is well formed.
func (p Prefix) Validate() error {
	if p.Namespace != "" {
		if err := validateSegment("namespace", p.Namespace); err != nil {
			return err
		}
	}
	if p.Repository != "" {
		if p.Namespace == "" {
			return fmt.Errorf("%w: repository prefix without namespace", ErrInvalidKey)
		}
		if err := validateSegment("repository", p.Repository); err != nil {
			return err
		}
	}
	if p.ObjectID != "" {
		if p.Repository == "" {
			return fmt.Errorf("%w: object id prefix without repository", ErrInvalidKey)
		}
		if !isHex(p.ObjectID) {
			return fmt.Errorf("%w: object id prefix %q is not lowercase hex", ErrInvalidKey, p.ObjectID)
		}
	}
	return nil
}

// Matches reports whether k falls inside the prefix.
func (p Prefix) Matches(k Key) bool {
	if p.Namespace != "" && k.Namespace != p.Namespace {
		return false
	}
	if p.Repository != "" && k.Repository != p.Repository {
		return false
	}
	return strings.HasPrefix(k.ObjectID, p.ObjectID)
}

func (p Prefix) String() string {
	parts := []string{}
	for _, s := range []string{p.Namespace, p.Repository, p.ObjectID} {
		if s == "" {
			break
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "/") + "*"
}

func validateSegment(field, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidKey, field)
	case s == "." || s == "..":
		return fmt.Errorf("%w: %s %q is reserved", ErrInvalidKey, field, s)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidKey, field, s)
	case strings.HasPrefix(s, "."):
		return fmt.Errorf("%w: %s %q must not start with a dot", ErrInvalidKey, field, s)
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
