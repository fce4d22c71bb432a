package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// mysqlStore connects to the database named by MILLRACE_MYSQL_DSN, or skips
// the test when the variable is unset. Store IDs carry a nanosecond suffix so
// repeated runs against a persistent database never collide.
func mysqlStore(t *testing.T, name string) *Store {
	t.Helper()
	dsn := os.Getenv("MILLRACE_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MILLRACE_MYSQL_DSN not set")
	}
	storeID := fmt.Sprintf("%s_%d", name, time.Now().UnixNano())
	return startedStore(t, NewMySQLFactory(dsn), storeID)
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := mysqlStore(t, "roundtrip")

	m := testMessage(map[string]any{"sku": "A-7"}, baseTS)
	id, err := s.Store(ctx, m)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	defer s.Delete(ctx, id)

	e, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.State != StatePending {
		t.Errorf("expected pending, got %q", e.State)
	}
	if !e.Message.Timestamp.Equal(m.Timestamp) {
		t.Errorf("expected timestamp %v, got %v", m.Timestamp, e.Message.Timestamp)
	}

	if _, err := s.Store(ctx, m); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	if err := s.SetState(ctx, id, StateProcessed); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if st, _ := s.GetState(ctx, id); st != StateProcessed {
		t.Errorf("expected processed, got %q", st)
	}
}

func TestMySQLStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := mysqlStore(t, "search")

	ids := make([]string, 5)
	for i := range ids {
		m := testMessage(fmt.Sprintf("payload-%02d", i), baseTS.Add(time.Duration(i)*time.Second))
		id, err := s.Store(ctx, m)
		if err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
		ids[i] = id
		defer s.Delete(ctx, id)
	}

	first, err := s.Search(ctx, SearchQuery{Count: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	rest, err := s.Search(ctx, SearchQuery{Start: 2, Count: -1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	got := append(entryIDs(first), entryIDs(rest)...)
	if !sameIDs(got, ids) {
		t.Errorf("expected concatenated pages %v, got %v", ids, got)
	}

	span, err := s.Search(ctx, SearchQuery{
		StartDT: baseTS.Add(time.Second),
		EndDT:   baseTS.Add(3 * time.Second),
		Count:   -1,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !sameIDs(entryIDs(span), ids[1:3]) {
		t.Errorf("expected span %v, got %v", ids[1:3], entryIDs(span))
	}
}
