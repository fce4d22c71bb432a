package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registry is the lookup-or-create map shared by every Factory
// implementation. Get for a known ID always returns the same Store instance.
type registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

func (r *registry) get(id string, create func() (*Store, error)) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stores == nil {
		r.stores = map[string]*Store{}
	}
	if s, ok := r.stores[id]; ok {
		return s, nil
	}
	s, err := create()
	if err != nil {
		return nil, err
	}
	r.stores[id] = s
	return s, nil
}

func (r *registry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) drop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[id]; !ok {
		return fmt.Errorf("%w: store %q", ErrNotFound, id)
	}
	delete(r.stores, id)
	return nil
}

// FactoryFor builds a factory from a configuration string, so deployments can
// select persistence without code changes:
//
//	null                 no persistence
//	memory               in-memory, lost on restart
//	file:/var/lib/mr     filesystem tree under the given base directory
//	sqlite:/var/lib/mr.db single-file SQLite database
//	mysql:user:pw@tcp(host:3306)/db
func FactoryFor(spec string) (Factory, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "null":
		return NewNullFactory(), nil
	case "memory":
		return NewMemoryFactory(), nil
	case "file":
		if arg == "" {
			return nil, fmt.Errorf("store: file factory needs a base directory, got %q", spec)
		}
		return NewFileFactory(arg), nil
	case "sqlite":
		if arg == "" {
			return nil, fmt.Errorf("store: sqlite factory needs a database path, got %q", spec)
		}
		return NewSQLiteFactory(arg), nil
	case "mysql":
		if arg == "" {
			return nil, fmt.Errorf("store: mysql factory needs a DSN, got %q", spec)
		}
		return NewMySQLFactory(arg), nil
	default:
		return nil, fmt.Errorf("store: unknown store kind %q", spec)
	}
}
