package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// testFactories returns one factory per backend that must satisfy the full
// store contract. MySQL joins the list in mysql_test.go when a DSN is
// available in the environment.
func testFactories(t *testing.T) map[string]Factory {
	t.Helper()
	return map[string]Factory{
		"memory": NewMemoryFactory(),
		"file":   NewFileFactory(t.TempDir()),
		"sqlite": NewSQLiteFactory(filepath.Join(t.TempDir(), "entries.db")),
	}
}

func startedStore(t *testing.T, f Factory, storeID string) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := f.Get(storeID)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", storeID, err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

// testMessage builds a message with a controlled timestamp so ordering tests
// are deterministic across backends.
func testMessage(payload any, ts time.Time) *message.Message {
	m := message.New(payload)
	m.Timestamp = ts
	return m
}

var baseTS = time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

func TestStoreRoundTrip(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "roundtrip")

			m := testMessage(map[string]any{"sku": "A-7", "qty": float64(3)}, baseTS)
			m.Meta["origin"] = "unit"

			id, err := s.Store(ctx, m)
			if err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			if id == "" {
				t.Fatal("expected non-empty entry ID")
			}

			e, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if e.State != StatePending {
				t.Errorf("expected initial state pending, got %q", e.State)
			}
			if e.Message.ID != m.ID {
				t.Errorf("expected message ID %q, got %q", m.ID, e.Message.ID)
			}
			if !e.Message.Timestamp.Equal(m.Timestamp) {
				t.Errorf("expected timestamp %v, got %v", m.Timestamp, e.Message.Timestamp)
			}
			if got := e.Message.Payload.(map[string]any)["sku"]; got != "A-7" {
				t.Errorf("expected payload round-trip, got %v", got)
			}
			if got := e.Message.Meta["origin"]; got != "unit" {
				t.Errorf("expected meta round-trip, got %v", got)
			}
		})
	}
}

func TestStoreDuplicate(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "dup")

			m := testMessage("x", baseTS)
			if _, err := s.Store(ctx, m); err != nil {
				t.Fatalf("first Store failed: %v", err)
			}
			if _, err := s.Store(ctx, m); !errors.Is(err, ErrDuplicate) {
				t.Errorf("expected ErrDuplicate, got %v", err)
			}
			if total, _ := s.Total(ctx); total != 1 {
				t.Errorf("expected total 1 after duplicate attempt, got %d", total)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "del")

			id, err := s.Store(ctx, testMessage("x", baseTS))
			if err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			if err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if total, _ := s.Total(ctx); total != 0 {
				t.Errorf("expected total 0 after delete, got %d", total)
			}
			if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for unknown delete, got %v", err)
			}
		})
	}
}

func TestStoreTotalConsistency(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "total")

			for i := 0; i < 13; i++ {
				ts := baseTS.Add(time.Duration(i) * time.Second)
				if _, err := s.Store(ctx, testMessage(i, ts)); err != nil {
					t.Fatalf("Store %d failed: %v", i, err)
				}
			}

			total, err := s.Total(ctx)
			if err != nil {
				t.Fatalf("Total failed: %v", err)
			}
			all, err := s.Search(ctx, SearchQuery{Count: -1})
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if total != len(all) {
				t.Errorf("expected total %d == unbounded search length %d", total, len(all))
			}
			if total != 13 {
				t.Errorf("expected 13 entries, got %d", total)
			}
		})
	}
}

func TestStoreStateAndMeta(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "meta")

			id, err := s.Store(ctx, testMessage("x", baseTS))
			if err != nil {
				t.Fatalf("Store failed: %v", err)
			}

			if err := s.SetState(ctx, id, StateProcessed); err != nil {
				t.Fatalf("SetState failed: %v", err)
			}
			if st, _ := s.GetState(ctx, id); st != StateProcessed {
				t.Errorf("expected processed, got %q", st)
			}

			if err := s.AddMetaInfo(ctx, id, "nodename", "validate"); err != nil {
				t.Fatalf("AddMetaInfo failed: %v", err)
			}
			if v, _ := s.MetaInfo(ctx, id, "nodename"); v != "validate" {
				t.Errorf("expected meta value 'validate', got %v", v)
			}
			if v, _ := s.MetaInfo(ctx, id, "absent"); v != nil {
				t.Errorf("expected nil for unset meta, got %v", v)
			}

			all, err := s.AllMetaInfo(ctx, id)
			if err != nil {
				t.Fatalf("AllMetaInfo failed: %v", err)
			}
			if all["state"] != string(StateProcessed) || all["nodename"] != "validate" {
				t.Errorf("unexpected meta map: %v", all)
			}

			if err := s.SetState(ctx, "unknown-id", StateError); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for unknown entry, got %v", err)
			}

			t.Run("append builds lists", func(t *testing.T) {
				if err := s.AppendMetaInfo(ctx, id, "trail", "a"); err != nil {
					t.Fatalf("AppendMetaInfo failed: %v", err)
				}
				if err := s.AppendMetaInfo(ctx, id, "trail", "b"); err != nil {
					t.Fatalf("AppendMetaInfo failed: %v", err)
				}
				v, err := s.MetaInfo(ctx, id, "trail")
				if err != nil {
					t.Fatalf("MetaInfo failed: %v", err)
				}
				list, ok := v.([]any)
				if !ok || len(list) != 2 || list[0] != "a" || list[1] != "b" {
					t.Errorf("expected [a b], got %v", v)
				}
			})
		})
	}
}

func TestStoreSubStates(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startedStore(t, f, "substates")

			id, err := s.Store(ctx, testMessage("x", baseTS))
			if err != nil {
				t.Fatalf("Store failed: %v", err)
			}

			t.Run("empty history", func(t *testing.T) {
				if err := s.SetWorstSubState(ctx, id); !errors.Is(err, ErrNoSubStates) {
					t.Errorf("expected ErrNoSubStates, got %v", err)
				}
			})

			for i, st := range []State{StateProcessed, StateRejected, StateProcessed} {
				if err := s.AddSubState(ctx, id, testMessage(i, baseTS).ID, st); err != nil {
					t.Fatalf("AddSubState failed: %v", err)
				}
			}
			if err := s.SetWorstSubState(ctx, id); err != nil {
				t.Fatalf("SetWorstSubState failed: %v", err)
			}
			if st, _ := s.GetState(ctx, id); st != StateRejected {
				t.Errorf("expected rejected to dominate, got %q", st)
			}
		})
	}
}

func TestWorse(t *testing.T) {
	cases := []struct {
		a, b, want State
	}{
		{StateProcessed, StatePending, StatePending},
		{StatePending, StateProcessing, StateProcessing},
		{StateProcessing, StateWaitRetry, StateWaitRetry},
		{StateWaitRetry, StateError, StateError},
		{StateError, StateRejected, StateRejected},
		{StateRejected, StateProcessed, StateRejected},
	}
	for _, c := range cases {
		if got := Worse(c.a, c.b); got != c.want {
			t.Errorf("Worse(%q, %q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}

func TestNullStore(t *testing.T) {
	ctx := context.Background()
	f := NewNullFactory()
	s := startedStore(t, f, "void")

	if s.Persisted() {
		t.Error("expected null store to report not persisted")
	}

	id, err := s.Store(ctx, testMessage("x", baseTS))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty ID from null store, got %q", id)
	}

	// State bookkeeping on phantom entries must be a silent no-op so the
	// processing path needs no persistence special-casing.
	if err := s.SetState(ctx, id, StateProcessed); err != nil {
		t.Errorf("expected no-op SetState, got %v", err)
	}
	if err := s.AddMetaInfo(ctx, id, "k", "v"); err != nil {
		t.Errorf("expected no-op AddMetaInfo, got %v", err)
	}
	if err := s.SetWorstSubState(ctx, id); err != nil {
		t.Errorf("expected no-op SetWorstSubState, got %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if total, _ := s.Total(ctx); total != 0 {
		t.Errorf("expected total 0, got %d", total)
	}
	entries, err := s.Search(ctx, SearchQuery{})
	if err != nil || len(entries) != 0 {
		t.Errorf("expected empty search, got %v, %v", entries, err)
	}
}

func TestMemoryStorePersistedFlag(t *testing.T) {
	f := NewMemoryFactory()
	s, err := f.Get("x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !s.Persisted() {
		t.Error("expected memory store to report persisted")
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := startedStore(t, NewMemoryFactory(), "iso")

	m := testMessage(map[string]any{"n": float64(1)}, baseTS)
	id, err := s.Store(ctx, m)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Mutating the original after storing must not reach the stored copy.
	m.Payload.(map[string]any)["n"] = float64(99)

	e, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := e.Message.Payload.(map[string]any)["n"]; got != float64(1) {
		t.Errorf("expected stored copy isolated, got %v", got)
	}

	// Mutating a loaded entry must not corrupt the store either.
	e.Message.Payload.(map[string]any)["n"] = float64(7)
	again, _ := s.Get(ctx, id)
	if got := again.Message.Payload.(map[string]any)["n"]; got != float64(1) {
		t.Errorf("expected store unaffected by load mutation, got %v", got)
	}
}
