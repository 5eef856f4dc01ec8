// Package file provides a StorageBackend on the local filesystem.
//
// Layout under the root directory:
//
//	index.json                          id -> location and insertion sequence
//	<namespace>/<category>/<id>.md      YAML frontmatter followed by the content
//	<namespace>/horizon.jsonl           append-only ledger, one JSON entry per line
//
// The index is rebuilt by walking the tree when it is missing.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

const (
	indexFile   = "index.json"
	ledgerFile  = "horizon.jsonl"
	frontmatter = "---\n"
)

// Options configures the file backend.
type Options struct {
	Logger logging.Logger
}

type record struct {
	Path      string        `json:"path"`
	Namespace string        `json:"namespace"`
	Category  core.Category `json:"category"`
	Seq       int64         `json:"seq"`
}

type index struct {
	Seq     int64              `json:"seq"`
	Entries map[string]*record `json:"entries"`
}

// Backend stores entries as markdown files with YAML frontmatter.
type Backend struct {
	dir    string
	logger logging.Logger

	mu  sync.RWMutex
	idx index
}

// New creates a backend rooted at dir. Call Initialize before use.
func New(dir string, optFns ...func(o *Options)) *Backend {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{
		dir:    dir,
		logger: opts.Logger,
		idx:    index{Entries: map[string]*record{}},
	}
}

// Dir returns the root directory.
func (b *Backend) Dir() string { return b.dir }

// Initialize creates the root directory and loads or rebuilds the index.
func (b *Backend) Initialize(context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("file backend: create dir: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(b.dir, indexFile))
	switch {
	case err == nil:
		var idx index
		if err := json.Unmarshal(data, &idx); err != nil {
			b.logger.Warn("file backend: corrupt index, rebuilding", "error", err)
			return b.rebuildLocked()
		}
		if idx.Entries == nil {
			idx.Entries = map[string]*record{}
		}
		b.idx = idx
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return b.rebuildLocked()
	default:
		return fmt.Errorf("file backend: read index: %w", err)
	}
}

// Store writes e, replacing an existing non-ledger entry with the same id.
func (b *Backend) Store(_ context.Context, e core.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, found := b.idx.Entries[e.ID]
	if found {
		if err := core.CheckOverwrite(core.Entry{ID: e.ID, Category: rec.Category}, true); err != nil {
			return err
		}
	}

	var path string
	if e.Category.AppendOnly() {
		path = filepath.Join(nsDir(e.Namespace), ledgerFile)
		if err := b.appendLedger(path, e); err != nil {
			return err
		}
	} else {
		path = filepath.Join(nsDir(e.Namespace), string(e.Category), e.ID+".md")
		if err := b.writeMarkdown(path, e); err != nil {
			return err
		}
	}

	if found && rec.Path != path {
		if err := os.Remove(filepath.Join(b.dir, rec.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file backend: remove stale file: %w", err)
		}
	}

	if !found {
		b.idx.Seq++
		rec = &record{Seq: b.idx.Seq}
		b.idx.Entries[e.ID] = rec
	}
	rec.Path, rec.Namespace, rec.Category = path, e.Namespace, e.Category

	return b.persistIndexLocked()
}

// Retrieve reads a single entry.
func (b *Backend) Retrieve(_ context.Context, id string) (core.Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.idx.Entries[id]
	if !ok {
		return core.Entry{}, false, nil
	}
	e, err := b.load(id, rec)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Entry{}, false, nil
		}
		return core.Entry{}, false, err
	}
	return e, true, nil
}

// Search ranks the entries matching f against query.
func (b *Backend) Search(_ context.Context, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := b.loadOrderedLocked(func(r *record) bool {
		return (f.Namespace == "" || r.Namespace == f.Namespace) && (f.Category == "" || r.Category == f.Category)
	})
	if err != nil {
		return nil, err
	}
	return core.Rank(query, f, entries, limit), nil
}

// List returns entries of namespace in insertion order.
func (b *Backend) List(_ context.Context, namespace string, limit, offset int) ([]core.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.orderedIDsLocked(func(r *record) bool { return namespace == "" || r.Namespace == namespace })
	ids = core.Page(ids, limit, offset)

	out := make([]core.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := b.load(id, b.idx.Entries[id])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove deletes an entry's file. Ledger entries are refused.
func (b *Backend) Remove(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.idx.Entries[id]
	if !ok {
		return false, nil
	}
	if err := core.CheckRemovable(core.Entry{ID: id, Category: rec.Category}); err != nil {
		return false, err
	}
	if err := os.Remove(filepath.Join(b.dir, rec.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("file backend: remove: %w", err)
	}
	delete(b.idx.Entries, id)
	return true, b.persistIndexLocked()
}

// Count returns the number of indexed entries in namespace, or all when empty.
func (b *Backend) Count(_ context.Context, namespace string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if namespace == "" {
		return len(b.idx.Entries), nil
	}
	n := 0
	for _, r := range b.idx.Entries {
		if r.Namespace == namespace {
			n++
		}
	}
	return n, nil
}

// Clear deletes every non-ledger entry in namespace, or in all namespaces when empty.
func (b *Backend) Clear(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, r := range b.idx.Entries {
		if (namespace != "" && r.Namespace != namespace) || r.Category.AppendOnly() {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, r.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file backend: clear: %w", err)
		}
		delete(b.idx.Entries, id)
	}
	return b.persistIndexLocked()
}

// Close is a no-op; every write is flushed immediately.
func (b *Backend) Close() error { return nil }

func (b *Backend) orderedIDsLocked(keep func(*record) bool) []string {
	ids := make([]string, 0, len(b.idx.Entries))
	for id, r := range b.idx.Entries {
		if keep(r) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return b.idx.Entries[ids[i]].Seq < b.idx.Entries[ids[j]].Seq })
	return ids
}

func (b *Backend) loadOrderedLocked(keep func(*record) bool) ([]core.Entry, error) {
	ids := b.orderedIDsLocked(keep)
	out := make([]core.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := b.load(id, b.idx.Entries[id])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				b.logger.Warn("file backend: indexed file missing", "id", id)
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *Backend) load(id string, rec *record) (core.Entry, error) {
	full := filepath.Join(b.dir, rec.Path)
	if rec.Category.AppendOnly() {
		return findLedger(full, id)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return core.Entry{}, err
	}
	return decodeMarkdown(data)
}

func (b *Backend) writeMarkdown(rel string, e core.Entry) error {
	data, err := encodeMarkdown(e)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(b.dir, rel), data)
}

func (b *Backend) appendLedger(rel string, e core.Entry) error {
	full := filepath.Join(b.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("file backend: create dir: %w", err)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("file backend: encode ledger entry: %w", err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file backend: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("file backend: append ledger: %w", err)
	}
	return nil
}

func (b *Backend) persistIndexLocked() error {
	data, err := json.MarshalIndent(b.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("file backend: encode index: %w", err)
	}
	return writeAtomic(filepath.Join(b.dir, indexFile), data)
}

// rebuildLocked walks the tree and reconstructs the index. Insertion order is
// recovered from creation time, then id.
func (b *Backend) rebuildLocked() error {
	type found struct {
		e   core.Entry
		rel string
	}
	var all []found

	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(b.dir, path)
		switch {
		case d.Name() == ledgerFile:
			entries, err := readLedger(path)
			if err != nil {
				return err
			}
			for _, e := range entries {
				all = append(all, found{e: e, rel: rel})
			}
		case strings.HasSuffix(d.Name(), ".md"):
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			e, err := decodeMarkdown(data)
			if err != nil {
				b.logger.Warn("file backend: skipping unreadable entry", "path", rel, "error", err)
				return nil
			}
			all = append(all, found{e: e, rel: rel})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("file backend: rebuild index: %w", err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].e.CreatedAt.Equal(all[j].e.CreatedAt) {
			return all[i].e.CreatedAt.Before(all[j].e.CreatedAt)
		}
		return all[i].e.ID < all[j].e.ID
	})

	b.idx = index{Entries: make(map[string]*record, len(all))}
	for _, f := range all {
		b.idx.Seq++
		b.idx.Entries[f.e.ID] = &record{Path: f.rel, Namespace: f.e.Namespace, Category: f.e.Category, Seq: b.idx.Seq}
	}
	return b.persistIndexLocked()
}

func encodeMarkdown(e core.Entry) ([]byte, error) {
	head, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("file backend: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatter)
	buf.Write(head)
	buf.WriteString(frontmatter)
	buf.WriteString(e.Content)
	return buf.Bytes(), nil
}

func decodeMarkdown(data []byte) (core.Entry, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatter) {
		return core.Entry{}, errors.New("file backend: missing frontmatter")
	}
	rest := text[len(frontmatter):]
	end := strings.Index(rest, "\n"+frontmatter)
	if end < 0 {
		return core.Entry{}, errors.New("file backend: unterminated frontmatter")
	}
	var e core.Entry
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &e); err != nil {
		return core.Entry{}, fmt.Errorf("file backend: decode frontmatter: %w", err)
	}
	e.Content = rest[end+1+len(frontmatter):]
	return e, nil
}

func readLedger(path string) ([]core.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []core.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e core.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("file backend: decode ledger line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func findLedger(path, id string) (core.Entry, error) {
	entries, err := readLedger(path)
	if err != nil {
		return core.Entry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return core.Entry{}, fs.ErrNotExist
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file backend: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("file backend: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("file backend: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file backend: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file backend: rename: %w", err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// nsDir maps a namespace to a portable directory name.
func nsDir(ns string) string {
	return unsafeChars.ReplaceAllString(ns, "_")
}
