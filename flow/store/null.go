package store

import (
	"context"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// NullBackend discards everything. Channels that do not need durability run
// over a Store with this backend: Insert hands back an empty ID, and the
// Store layer treats empty-ID state updates as no-ops, so the processing path
// stays identical with or without persistence.
type NullBackend struct{}

var _ Backend = (*NullBackend)(nil)

// NewNullBackend creates a NullBackend.
func NewNullBackend() *NullBackend { return &NullBackend{} }

func (n *NullBackend) nullBackend() {}

func (n *NullBackend) Start(ctx context.Context) error { return nil }
func (n *NullBackend) Stop(ctx context.Context) error  { return nil }

func (n *NullBackend) Insert(ctx context.Context, msg *message.Message, meta map[string]any) (string, error) {
	return "", nil
}

func (n *NullBackend) Remove(ctx context.Context, id string) error { return ErrNotFound }

func (n *NullBackend) Count(ctx context.Context) (int, error) { return 0, nil }

func (n *NullBackend) LoadMessage(ctx context.Context, id string) (*message.Message, error) {
	return nil, ErrNotFound
}

func (n *NullBackend) LoadMeta(ctx context.Context, id string) (map[string]any, error) {
	return nil, ErrNotFound
}

func (n *NullBackend) SaveMeta(ctx context.Context, id string, meta map[string]any) error {
	return ErrNotFound
}

func (n *NullBackend) SpanIDs(ctx context.Context, start, end time.Time) ([]string, error) {
	return nil, nil
}

// NullFactory hands out no-op stores.
type NullFactory struct {
	reg registry
}

var _ Factory = (*NullFactory)(nil)

// NewNullFactory creates a NullFactory.
func NewNullFactory() *NullFactory { return &NullFactory{} }

// Get returns the no-op store for the given ID.
func (f *NullFactory) Get(storeID string) (*Store, error) {
	return f.reg.get(storeID, func() (*Store, error) {
		return New(NewNullBackend()), nil
	})
}

// List returns the IDs of stores created so far.
func (f *NullFactory) List() []string { return f.reg.list() }

// Drop forgets the store instance for the given ID.
func (f *NullFactory) Drop(storeID string) error { return f.reg.drop(storeID) }
