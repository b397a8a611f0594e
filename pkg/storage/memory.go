package storage

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	key     Key
	data    []byte
	hash    string
	created time.Time
}

// Memory keeps objects in process memory. It is meant for tests and
// ephemeral tooling.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryEntry
	closed  bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryEntry)}
}

func (m *Memory) Type() string { return TypeMemory }

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) begin(ctx context.Context, op string, key Key) error {
	if err := ctx.Err(); err != nil {
		return wrap(TypeMemory, op, key.String(), err, classifyFS)
	}
	return wrap(TypeMemory, op, key.String(), key.Validate(), classifyFS)
}

func (m *Memory) Store(ctx context.Context, key Key, data []byte) (err error) {
	defer track(TypeMemory, "store", key.String())(&err)
	if err := m.begin(ctx, "store", key); err != nil {
		return err
	}
	entry := memoryEntry{
		key:     cloneKey(key),
		data:    append([]byte(nil), data...),
		hash:    HashBytes(data),
		created: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return closedError(TypeMemory, "store", key.String())
	}
	m.objects[key.String()] = entry
	return nil
}

func (m *Memory) lookup(op string, key Key) (memoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return memoryEntry{}, closedError(TypeMemory, op, key.String())
	}
	entry, ok := m.objects[key.String()]
	if !ok {
		return memoryEntry{}, &Error{Backend: TypeMemory, Op: op, Key: key.String(), Kind: ErrNotFound}
	}
	return entry, nil
}

func (m *Memory) Read(ctx context.Context, key Key) (data []byte, err error) {
	defer track(TypeMemory, "read", key.String())(&err)
	if err := m.begin(ctx, "read", key); err != nil {
		return nil, err
	}
	entry, err := m.lookup("read", key)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, entry.data...), nil
}

func (m *Memory) Exists(ctx context.Context, key Key) (ok bool, err error) {
	defer track(TypeMemory, "exists", key.String())(&err)
	if err := m.begin(ctx, "exists", key); err != nil {
		return false, err
	}
	_, err = m.lookup("exists", key)
	switch KindOf(err) {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (m *Memory) Stat(ctx context.Context, key Key) (obj *Object, err error) {
	defer track(TypeMemory, "stat", key.String())(&err)
	if err := m.begin(ctx, "stat", key); err != nil {
		return nil, err
	}
	entry, err := m.lookup("stat", key)
	if err != nil {
		return nil, err
	}
	return &Object{Key: key, Size: int64(len(entry.data)), Hash: entry.hash, Created: entry.created}, nil
}

func (m *Memory) Delete(ctx context.Context, key Key) (err error) {
	defer track(TypeMemory, "delete", key.String())(&err)
	if err := m.begin(ctx, "delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return closedError(TypeMemory, "delete", key.String())
	}
	delete(m.objects, key.String())
	return nil
}

// List takes a sorted snapshot of the matching keys before yielding.
func (m *Memory) List(ctx context.Context, prefix Prefix) iter.Seq2[Key, error] {
	label := prefix.String()
	if err := prefix.Validate(); err != nil {
		return single(wrap(TypeMemory, "list", label, err, classifyFS))
	}

	return func(yield func(Key, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Key{}, wrap(TypeMemory, "list", label, err, classifyFS))
			return
		}

		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			yield(Key{}, closedError(TypeMemory, "list", label))
			return
		}
		names := make([]string, 0, len(m.objects))
		keys := make(map[string]Key, len(m.objects))
		for name, entry := range m.objects {
			if prefix.Matches(entry.key) {
				names = append(names, name)
				keys[name] = cloneKey(entry.key)
			}
		}
		m.mu.RUnlock()

		sort.Strings(names)
		for _, name := range names {
			if !yield(keys[name], nil) {
				return
			}
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneKey(k Key) Key {
	if k.Chunk != nil {
		return k.WithChunk(*k.Chunk)
	}
	return k
}
