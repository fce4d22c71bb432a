package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// tsLayout is the second-resolution part of entry file names; six microsecond
// digits follow it, giving a fixed 21-character prefix whose lexicographic
// order equals chronological order.
const tsLayout = "20060102_150405"

// FileBackend persists entries as files under
//
//	<base>/<YYYY>/<MM>/<DD>/<timestamp>_<message-id>
//
// with the store-meta in a companion <file>.meta JSON sidecar. The layout
// keeps directories small for long-running deployments, makes entries
// inspectable with ordinary shell tools, and lets span scans prune whole days
// without opening a single file.
type FileBackend struct {
	base string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a backend rooted at <root>/<storeID>.
func NewFileBackend(root, storeID string) *FileBackend {
	return &FileBackend{base: filepath.Join(root, storeID)}
}

func (b *FileBackend) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.base, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}

func (b *FileBackend) Stop(ctx context.Context) error { return nil }

func (b *FileBackend) Insert(ctx context.Context, msg *message.Message, meta map[string]any) (string, error) {
	ts := msg.Timestamp.UTC()
	id := formatEntryTS(ts) + "_" + msg.ID

	dir := filepath.Join(b.base, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create day directory: %w", err)
	}

	path := filepath.Join(dir, id)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}

	data, err := msg.ToJSON()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write entry: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to serialize meta: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0o644); err != nil {
		return "", fmt.Errorf("failed to write meta: %w", err)
	}
	return id, nil
}

func (b *FileBackend) Remove(ctx context.Context, id string) error {
	path, err := b.pathFor(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove meta: %w", err)
	}
	return nil
}

func (b *FileBackend) Count(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(b.base, "*", "*", "*", "*"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan store: %w", err)
	}
	count := 0
	for _, p := range paths {
		if !strings.HasSuffix(p, ".meta") {
			count++
		}
	}
	return count, nil
}

func (b *FileBackend) LoadMessage(ctx context.Context, id string) (*message.Message, error) {
	path, err := b.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return message.FromJSON(data)
}

func (b *FileBackend) LoadMeta(ctx context.Context, id string) (map[string]any, error) {
	path, err := b.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	meta := map[string]any{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta of %s: %w", id, err)
	}
	return meta, nil
}

func (b *FileBackend) SaveMeta(ctx context.Context, id string, meta map[string]any) error {
	path, err := b.pathFor(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}
	if err := os.WriteFile(path+".meta", data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

func (b *FileBackend) SpanIDs(ctx context.Context, start, end time.Time) ([]string, error) {
	ids := []string{}
	days, err := b.dayDirs()
	if err != nil {
		return nil, err
	}
	for _, day := range days {
		dayEnd := day.date.Add(24 * time.Hour)
		if !start.IsZero() && !dayEnd.After(start) {
			continue
		}
		if !end.IsZero() && !day.date.Before(end) {
			break
		}
		names, err := os.ReadDir(day.path)
		if err != nil {
			return nil, fmt.Errorf("failed to scan day directory: %w", err)
		}
		for _, de := range names {
			name := de.Name()
			if strings.HasSuffix(name, ".meta") {
				continue
			}
			ts, err := parseEntryTS(name)
			if err != nil {
				continue
			}
			if !start.IsZero() && ts.Before(start) {
				continue
			}
			if !end.IsZero() && !ts.Before(end) {
				continue
			}
			ids = append(ids, name)
		}
	}
	return ids, nil
}

type dayDir struct {
	date time.Time
	path string
}

// dayDirs lists <base>/<YYYY>/<MM>/<DD> directories in chronological order.
// Zero-padded names make the directory sort order chronological already.
func (b *FileBackend) dayDirs() ([]dayDir, error) {
	days := []dayDir{}
	years, err := readDirNames(b.base)
	if err != nil {
		return nil, err
	}
	for _, y := range years {
		months, err := readDirNames(filepath.Join(b.base, y))
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			dds, err := readDirNames(filepath.Join(b.base, y, m))
			if err != nil {
				return nil, err
			}
			for _, d := range dds {
				date, err := time.Parse("2006/01/02", y+"/"+m+"/"+d)
				if err != nil {
					continue
				}
				days = append(days, dayDir{date: date, path: filepath.Join(b.base, y, m, d)})
			}
		}
	}
	return days, nil
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// pathFor maps an entry ID back to its file path. The day directory is
// derived from the ID's own timestamp prefix, so no scanning is needed.
func (b *FileBackend) pathFor(id string) (string, error) {
	if len(id) < 22 || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	if _, err := parseEntryTS(id); err != nil {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return filepath.Join(b.base, id[0:4], id[4:6], id[6:8], id), nil
}

func formatEntryTS(t time.Time) string {
	return t.Format(tsLayout) + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

func parseEntryTS(name string) (time.Time, error) {
	if len(name) < 21 {
		return time.Time{}, fmt.Errorf("store: entry name %q too short", name)
	}
	base, err := time.Parse(tsLayout, name[:15])
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad entry timestamp in %q: %w", name, err)
	}
	micros, err := strconv.Atoi(name[15:21])
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad entry timestamp in %q: %w", name, err)
	}
	return base.Add(time.Duration(micros) * time.Microsecond), nil
}

// FileFactory hands out filesystem stores rooted under one base directory,
// one subtree per store ID.
type FileFactory struct {
	root string
	reg  registry
}

var _ Factory = (*FileFactory)(nil)

// NewFileFactory creates a FileFactory rooted at the given directory.
func NewFileFactory(root string) *FileFactory {
	return &FileFactory{root: root}
}

// Get returns the filesystem store for the given ID, creating it on first
// use.
func (f *FileFactory) Get(storeID string) (*Store, error) {
	return f.reg.get(storeID, func() (*Store, error) {
		return New(NewFileBackend(f.root, storeID)), nil
	})
}

// List returns the IDs of stores created so far.
func (f *FileFactory) List() []string { return f.reg.list() }

// Drop forgets the store instance for the given ID; files stay on disk.
func (f *FileFactory) Drop(storeID string) error { return f.reg.drop(storeID) }
