package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestFactoryReturnsSameInstance(t *testing.T) {
	for name, f := range testFactories(t) {
		t.Run(name, func(t *testing.T) {
			a, err := f.Get("orders")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			b, err := f.Get("orders")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if a != b {
				t.Error("expected the same Store instance for one ID")
			}
		})
	}
}

func TestFactoryListAndDrop(t *testing.T) {
	f := NewMemoryFactory()
	for _, id := range []string{"b", "a", "c"} {
		if _, err := f.Get(id); err != nil {
			t.Fatalf("Get %q failed: %v", id, err)
		}
	}

	got := f.List()
	want := []string{"a", "b", "c"}
	if !sameIDs(got, want) {
		t.Errorf("expected sorted IDs %v, got %v", want, got)
	}

	if err := f.Drop("b"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if got := f.List(); !sameIDs(got, []string{"a", "c"}) {
		t.Errorf("expected %v after drop, got %v", []string{"a", "c"}, got)
	}
	if err := f.Drop("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown drop, got %v", err)
	}
}

func TestFactoryFor(t *testing.T) {
	cases := []struct {
		spec     string
		wantType string
	}{
		{"null", "*store.NullFactory"},
		{"memory", "*store.MemoryFactory"},
		{"file:/var/lib/millrace", "*store.FileFactory"},
		{"sqlite:/var/lib/millrace.db", "*store.SQLiteFactory"},
		{"mysql:user:pw@tcp(localhost:3306)/millrace", "*store.MySQLFactory"},
		{"file", ""},
		{"sqlite:", ""},
		{"redis:localhost", ""},
		{"", ""},
	}
	for _, c := range cases {
		t.Run(c.spec, func(t *testing.T) {
			f, err := FactoryFor(c.spec)
			if c.wantType == "" {
				if err == nil {
					t.Fatalf("expected error for %q", c.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("FactoryFor(%q) failed: %v", c.spec, err)
			}
			if got := fmt.Sprintf("%T", f); got != c.wantType {
				t.Errorf("expected %s, got %s", c.wantType, got)
			}
		})
	}
}
