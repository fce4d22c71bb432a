// Package store provides durable tracking for messages passing through
// channels: every handled message becomes a stored entry whose state follows
// the message through processing, retry and replay.
//
// The package separates the engine-facing API (Store) from persistence
// (Backend). Store implements state handling, meta bookkeeping, cached totals
// and search on top of a small backend contract; backends only know how to
// insert, load, remove and time-scan raw entries. Shipped backends: no-op
// (Null), in-memory ordered (Memory), filesystem-hierarchical (File), and
// SQL-backed (SQLite, MySQL).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// ErrNotFound is returned when a requested entry or store does not exist.
var ErrNotFound = errors.New("store: entry not found")

// ErrDuplicate is returned when storing a message whose ID is already present.
var ErrDuplicate = errors.New("store: duplicate entry")

// ErrInvalidQuery is returned for malformed search queries, such as an unknown
// order-by key.
var ErrInvalidQuery = errors.New("store: invalid search query")

// ErrNoSubStates is returned by SetWorstSubState when the entry has no
// recorded sub-message states to fold.
var ErrNoSubStates = errors.New("store: no sub-message states recorded")

// State is the lifecycle state of a stored entry.
type State string

const (
	// StatePending marks an entry stored but not yet processed.
	StatePending State = "pending"
	// StateProcessing marks an entry currently being processed.
	StateProcessing State = "processing"
	// StateProcessed marks successful completion (including deliberate drops).
	StateProcessed State = "processed"
	// StateRejected marks a message refused by the pipeline as invalid.
	StateRejected State = "rejected"
	// StateError marks an unclassified processing failure.
	StateError State = "error"
	// StateWaitRetry marks an entry parked for automatic retry.
	StateWaitRetry State = "wait_retry"
)

// statesBestToWorst orders states by severity. Folding the states of several
// fanned-out children of one original picks the worst: a single rejected child
// outweighs any number of processed ones.
var statesBestToWorst = []State{
	StateProcessed,
	StatePending,
	StateProcessing,
	StateWaitRetry,
	StateError,
	StateRejected,
}

// severity returns the position of s in the best-to-worst order.
func severity(s State) (int, bool) {
	for i, st := range statesBestToWorst {
		if st == s {
			return i, true
		}
	}
	return 0, false
}

// Worse reports the more severe of two states.
func Worse(a, b State) State {
	sa, _ := severity(a)
	sb, _ := severity(b)
	if sb > sa {
		return b
	}
	return a
}

// Entry is one stored message together with its tracking state and store-meta.
// ID is the store's own identifier for the entry and is distinct from the
// message ID (the filesystem backend, for instance, prefixes a sortable
// timestamp). Meta holds the state plus any bookkeeping added through
// AddMetaInfo; State mirrors Meta["state"].
type Entry struct {
	ID      string
	Meta    map[string]any
	Message *message.Message
	State   State
}

// Backend is the persistence contract a storage medium implements. All
// methods are invoked through Store, which serializes meta read-modify-write
// cycles; backends only need to be internally consistent.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Insert persists a new entry and returns its store ID. A message whose
	// ID is already present yields ErrDuplicate. The no-op backend returns
	// an empty ID.
	Insert(ctx context.Context, msg *message.Message, meta map[string]any) (string, error)

	// Remove deletes an entry; unknown IDs yield ErrNotFound.
	Remove(ctx context.Context, id string) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	LoadMessage(ctx context.Context, id string) (*message.Message, error)
	LoadMeta(ctx context.Context, id string) (map[string]any, error)
	SaveMeta(ctx context.Context, id string, meta map[string]any) error

	// SpanIDs returns the IDs of entries whose timestamp t satisfies
	// start <= t < end, in chronological order. A zero bound is open.
	SpanIDs(ctx context.Context, start, end time.Time) ([]string, error)
}

// Store is the engine-facing API over a Backend.
//
// The total is counted once at Start and maintained incrementally afterwards,
// so Total stays O(1) even for the filesystem backend. Meta updates are
// read-modify-write cycles serialized by an internal mutex; that is enough for
// the engine's single-process concurrency model.
type Store struct {
	backend Backend

	mu      sync.Mutex
	total   int
	started bool
}

// New creates a Store over the given backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// nullMarker is implemented only by the no-op backend.
type nullMarker interface{ nullBackend() }

// Persisted reports whether the store actually keeps entries, i.e. whether its
// backend is anything other than the no-op one.
func (s *Store) Persisted() bool {
	_, isNull := s.backend.(nullMarker)
	return !isNull
}

// Start initializes the backend and caches the entry count.
func (s *Store) Start(ctx context.Context) error {
	if err := s.backend.Start(ctx); err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}
	total, err := s.backend.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count entries: %w", err)
	}
	s.mu.Lock()
	s.total = total
	s.started = true
	s.mu.Unlock()
	return nil
}

// Stop shuts the backend down.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return s.backend.Stop(ctx)
}

// Store persists a message with initial state PENDING and returns the entry
// ID. Storing two messages with the same message ID is an error.
func (s *Store) Store(ctx context.Context, msg *message.Message) (string, error) {
	meta := map[string]any{"state": string(StatePending)}
	id, err := s.backend.Insert(ctx, msg, meta)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
	return id, nil
}

// Get loads one entry. An empty ID (the no-op backend's phantom entries)
// yields ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if id == "" {
		return Entry{}, ErrNotFound
	}
	msg, err := s.backend.LoadMessage(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Meta: meta, Message: msg, State: stateOf(meta)}, nil
}

// GetMany loads several entries, failing on the first missing one.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes an entry. Unknown IDs are an error so the cached total never
// drifts.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.backend.Remove(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.total--
	s.mu.Unlock()
	return nil
}

// Total returns the number of stored entries.
func (s *Store) Total(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.started {
		defer s.mu.Unlock()
		return s.total, nil
	}
	s.mu.Unlock()
	return s.backend.Count(ctx)
}

// SetState updates the tracking state of an entry. Empty IDs no-op so
// channels over a no-op store need no special casing.
func (s *Store) SetState(ctx context.Context, id string, state State) error {
	return s.updateMeta(ctx, id, func(meta map[string]any) {
		meta["state"] = string(state)
	})
}

// GetState returns the tracking state of an entry.
func (s *Store) GetState(ctx context.Context, id string) (State, error) {
	if id == "" {
		return "", ErrNotFound
	}
	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return "", err
	}
	return stateOf(meta), nil
}

// AddMetaInfo sets one named store-meta value on an entry.
func (s *Store) AddMetaInfo(ctx context.Context, id, name string, value any) error {
	return s.updateMeta(ctx, id, func(meta map[string]any) {
		meta[name] = value
	})
}

// AppendMetaInfo appends a value to a list-valued store-meta key, creating
// the list on first use. A scalar already stored under the key becomes the
// list's first element.
func (s *Store) AppendMetaInfo(ctx context.Context, id, name string, value any) error {
	return s.updateMeta(ctx, id, func(meta map[string]any) {
		switch existing := meta[name].(type) {
		case nil:
			meta[name] = []any{value}
		case []any:
			meta[name] = append(existing, value)
		default:
			meta[name] = []any{existing, value}
		}
	})
}

// MetaInfo returns one named store-meta value, nil when the name is unset.
func (s *Store) MetaInfo(ctx context.Context, id, name string) (any, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	return meta[name], nil
}

// AllMetaInfo returns the whole store-meta map of an entry.
func (s *Store) AllMetaInfo(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.backend.LoadMeta(ctx, id)
}

// subStatesKey is the meta key holding the sub-message state history on the
// origin entry of a fanned-out message.
const subStatesKey = "submessages_state_history"

// AddSubState appends a child message's terminal state to the entry's
// sub-message state history.
func (s *Store) AddSubState(ctx context.Context, id, subID string, state State) error {
	return s.updateMeta(ctx, id, func(meta map[string]any) {
		history, _ := meta[subStatesKey].([]any)
		history = append(history, map[string]any{
			"sub_id":    subID,
			"state":     string(state),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		meta[subStatesKey] = history
	})
}

// SetWorstSubState folds the entry's sub-message state history by severity and
// stores the result as the entry's state. An entry whose children all
// processed becomes PROCESSED; a single rejected child makes it REJECTED.
func (s *Store) SetWorstSubState(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return err
	}
	history, _ := meta[subStatesKey].([]any)
	if len(history) == 0 {
		return fmt.Errorf("%w: entry %s", ErrNoSubStates, id)
	}
	worst := StateProcessed
	for _, rec := range history {
		m, ok := rec.(map[string]any)
		if !ok {
			return fmt.Errorf("store: malformed sub-state record on entry %s", id)
		}
		st, _ := m["state"].(string)
		if _, known := severity(State(st)); !known {
			return fmt.Errorf("store: unknown sub-state %q on entry %s", st, id)
		}
		worst = Worse(worst, State(st))
	}
	meta["state"] = string(worst)
	return s.backend.SaveMeta(ctx, id, meta)
}

// updateMeta runs one serialized read-modify-write cycle on an entry's meta.
func (s *Store) updateMeta(ctx context.Context, id string, mutate func(map[string]any)) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return err
	}
	mutate(meta)
	return s.backend.SaveMeta(ctx, id, meta)
}

func stateOf(meta map[string]any) State {
	st, _ := meta["state"].(string)
	return State(st)
}

// copyMeta deep-copies a meta map through JSON so backends can hand out
// mutation-safe copies. Meta values are JSON-shaped by construction.
func copyMeta(meta map[string]any) (map[string]any, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to copy meta: %w", err)
	}
	var cp map[string]any
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to copy meta: %w", err)
	}
	if cp == nil {
		cp = map[string]any{}
	}
	return cp, nil
}

// Factory produces exactly one Store per store ID (lookup-or-create). A
// channel asks its factory for a store named after the channel, so several
// channels can share one factory (and, for the SQL factories, one database)
// while keeping their entries apart.
type Factory interface {
	// Get returns the store for the given ID, creating it on first use.
	Get(storeID string) (*Store, error)
	// List returns the IDs of all stores created so far.
	List() []string
	// Drop forgets the store instance for the given ID. Persisted data is
	// left untouched. Unknown IDs yield ErrNotFound.
	Drop(storeID string) error
}
