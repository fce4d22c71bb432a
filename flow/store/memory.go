package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// MemoryBackend keeps entries in process memory: an id-keyed map for O(1)
// lookup plus a timestamp-ordered index for span scans. Entries with equal
// timestamps keep insertion order. All data is lost on restart; use the
// filesystem or SQL backends for durability.
//
// Messages and meta are deep-copied on insert and on load, so callers can
// mutate what they hold without corrupting the store.
type MemoryBackend struct {
	mu      sync.RWMutex
	order   []memKey
	entries map[string]*memEntry
}

type memKey struct {
	ts time.Time
	id string
}

type memEntry struct {
	msg  *message.Message
	meta map[string]any
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]*memEntry{}}
}

func (b *MemoryBackend) Start(ctx context.Context) error { return nil }
func (b *MemoryBackend) Stop(ctx context.Context) error  { return nil }

func (b *MemoryBackend) Insert(ctx context.Context, msg *message.Message, meta map[string]any) (string, error) {
	cp, err := msg.Copy()
	if err != nil {
		return "", err
	}
	metaCp, err := copyMeta(meta)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[msg.ID]; exists {
		return "", fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}

	// New messages usually arrive in time order, so scan from the tail.
	pos := len(b.order)
	for pos > 0 && b.order[pos-1].ts.After(cp.Timestamp) {
		pos--
	}
	b.order = slices.Insert(b.order, pos, memKey{ts: cp.Timestamp, id: cp.ID})
	b.entries[cp.ID] = &memEntry{msg: cp, meta: metaCp}
	return cp.ID, nil
}

func (b *MemoryBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(b.entries, id)
	b.order = slices.DeleteFunc(b.order, func(k memKey) bool { return k.id == id })
	return nil
}

func (b *MemoryBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}

func (b *MemoryBackend) LoadMessage(ctx context.Context, id string) (*message.Message, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.msg.Copy()
}

func (b *MemoryBackend) LoadMeta(ctx context.Context, id string) (map[string]any, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyMeta(e.meta)
}

func (b *MemoryBackend) SaveMeta(ctx context.Context, id string, meta map[string]any) error {
	metaCp, err := copyMeta(meta)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.meta = metaCp
	return nil
}

func (b *MemoryBackend) SpanIDs(ctx context.Context, start, end time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := []string{}
	for _, k := range b.order {
		if !start.IsZero() && k.ts.Before(start) {
			continue
		}
		if !end.IsZero() && !k.ts.Before(end) {
			break
		}
		ids = append(ids, k.id)
	}
	return ids, nil
}

// MemoryFactory hands out in-memory stores, one per store ID.
type MemoryFactory struct {
	reg registry
}

var _ Factory = (*MemoryFactory)(nil)

// NewMemoryFactory creates a MemoryFactory.
func NewMemoryFactory() *MemoryFactory { return &MemoryFactory{} }

// Get returns the in-memory store for the given ID, creating it on first use.
func (f *MemoryFactory) Get(storeID string) (*Store, error) {
	return f.reg.get(storeID, func() (*Store, error) {
		return New(NewMemoryBackend()), nil
	})
}

// List returns the IDs of stores created so far.
func (f *MemoryFactory) List() []string { return f.reg.list() }

// Drop forgets the store instance for the given ID.
func (f *MemoryFactory) Drop(storeID string) error { return f.reg.drop(storeID) }
