package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// DefaultSearchCount is the page size used when SearchQuery.Count is zero.
const DefaultSearchCount = 10

// SearchQuery selects a page of stored entries.
//
// Pagination follows the time order of entries (reversed under a descending
// OrderBy): Start skips that many matching entries, StartID instead resumes
// strictly after a known entry ID. Count bounds the page; zero means
// DefaultSearchCount and a negative value lifts the bound entirely.
//
// StartDT (inclusive) and EndDT (exclusive) restrict the timestamp span
// before any other filtering. Text and Rtext match the rendered payload by
// substring and regular expression respectively. Meta filters store-meta
// values; keys carry an operation prefix:
//
//	exact_<name>  value equals the filter
//	text_<name>   value contains the filter
//	rtext_<name>  value matches the filter as a regular expression
//	start_<name>  value >= filter (lexicographic)
//	end_<name>    value < filter (lexicographic)
//
// A list-valued meta entry matches when any element does; several Meta keys
// combine with AND.
type SearchQuery struct {
	Start   int
	StartID string
	Count   int
	OrderBy string
	StartDT time.Time
	EndDT   time.Time
	Text    string
	Rtext   string
	Meta    map[string]string
}

// Search returns matching entries ordered by OrderBy ("timestamp" by default,
// "state", or "meta_<name>", each optionally prefixed with "-" for
// descending). Unknown order keys are a usage error.
//
// The concatenation property holds for every backend: a search with
// Start=a, Count=n followed by Start=a+n, Count=m returns the same entries as
// one search with Start=a, Count=n+m.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]Entry, error) {
	orderBase, desc, err := parseOrderBy(q.OrderBy)
	if err != nil {
		return nil, err
	}
	filter, err := newEntryFilter(q)
	if err != nil {
		return nil, err
	}

	count := q.Count
	if count == 0 {
		count = DefaultSearchCount
	}

	ids, err := s.backend.SpanIDs(ctx, q.StartDT, q.EndDT)
	if err != nil {
		return nil, err
	}
	if desc {
		slices.Reverse(ids)
	}
	if q.StartID != "" {
		idx := slices.Index(ids, q.StartID)
		if idx < 0 {
			ids = nil
		} else {
			ids = ids[idx+1:]
		}
	}

	skip := q.Start
	page := []Entry{}
	for _, id := range ids {
		if count >= 0 && len(page) >= count {
			break
		}
		e, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !filter.match(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		page = append(page, e)
	}

	// The walk already produced time order; other keys sort the page.
	if orderBase != "timestamp" {
		sortEntries(page, orderBase, desc)
	}
	return page, nil
}

// GroupEntries groups a search result by "state" or "meta_<name>". Entries
// keep their relative order inside each group.
func GroupEntries(entries []Entry, key string) (map[string][]Entry, error) {
	groupOf, err := entryKeyFunc(key)
	if err != nil {
		return nil, err
	}
	groups := map[string][]Entry{}
	for _, e := range entries {
		g := groupOf(e)
		groups[g] = append(groups[g], e)
	}
	return groups, nil
}

func parseOrderBy(orderBy string) (base string, desc bool, err error) {
	base = orderBy
	if strings.HasPrefix(base, "-") {
		desc = true
		base = base[1:]
	}
	if base == "" {
		base = "timestamp"
	}
	switch {
	case base == "timestamp" || base == "state":
	case strings.HasPrefix(base, "meta_") && len(base) > len("meta_"):
	default:
		return "", false, fmt.Errorf("%w: unknown order key %q", ErrInvalidQuery, orderBy)
	}
	return base, desc, nil
}

func sortEntries(entries []Entry, base string, desc bool) {
	keyOf, _ := entryKeyFunc(base)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := keyOf(entries[i]), keyOf(entries[j])
		if desc {
			return a > b
		}
		return a < b
	})
}

func entryKeyFunc(base string) (func(Entry) string, error) {
	switch {
	case base == "state":
		return func(e Entry) string { return string(e.State) }, nil
	case strings.HasPrefix(base, "meta_") && len(base) > len("meta_"):
		name := base[len("meta_"):]
		return func(e Entry) string { return renderValue(e.Meta[name]) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown group key %q", ErrInvalidQuery, base)
	}
}

// entryFilter is a compiled SearchQuery filter set.
type entryFilter struct {
	text  string
	rtext *regexp.Regexp
	meta  []metaFilter
}

type metaFilter struct {
	op    string
	name  string
	value string
	re    *regexp.Regexp
}

func newEntryFilter(q SearchQuery) (*entryFilter, error) {
	f := &entryFilter{text: q.Text}
	if q.Rtext != "" {
		re, err := regexp.Compile(q.Rtext)
		if err != nil {
			return nil, fmt.Errorf("%w: bad rtext pattern: %v", ErrInvalidQuery, err)
		}
		f.rtext = re
	}
	for key, value := range q.Meta {
		op, name, ok := strings.Cut(key, "_")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: meta filter key %q needs an operation prefix", ErrInvalidQuery, key)
		}
		mf := metaFilter{op: op, name: name, value: value}
		switch op {
		case "exact", "text", "start", "end":
		case "rtext":
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad rtext pattern for meta %q: %v", ErrInvalidQuery, name, err)
			}
			mf.re = re
		default:
			return nil, fmt.Errorf("%w: unknown meta filter prefix %q", ErrInvalidQuery, op)
		}
		f.meta = append(f.meta, mf)
	}
	return f, nil
}

func (f *entryFilter) match(e Entry) bool {
	if f.text != "" || f.rtext != nil {
		payload := renderValue(e.Message.Payload)
		if f.text != "" && !strings.Contains(payload, f.text) {
			return false
		}
		if f.rtext != nil && !f.rtext.MatchString(payload) {
			return false
		}
	}
	for _, mf := range f.meta {
		if !mf.match(e.Meta[mf.name]) {
			return false
		}
	}
	return true
}

// match checks the filter against a meta value; list values match when any
// element does, absent values never match.
func (mf metaFilter) match(value any) bool {
	if value == nil {
		return false
	}
	elems, ok := value.([]any)
	if !ok {
		elems = []any{value}
	}
	for _, elem := range elems {
		rendered := renderValue(elem)
		switch mf.op {
		case "exact":
			if rendered == mf.value {
				return true
			}
		case "text":
			if strings.Contains(rendered, mf.value) {
				return true
			}
		case "rtext":
			if mf.re.MatchString(rendered) {
				return true
			}
		case "start":
			if rendered >= mf.value {
				return true
			}
		case "end":
			if rendered < mf.value {
				return true
			}
		}
	}
	return false
}

func renderValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
