// Package memory provides a process-local StorageBackend. It is the default
// fallback when no durable backend is configured and the reference
// implementation the other backends are tested against.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/hupe1980/guardianmesh/core"
)

// Backend is a naive process-local StorageBackend.
//
// Concurrency: protected by RWMutex.
// Search: linear scan ranked with core.Rank. Suitable for tests, demos and
// single-process deployments; swap for a durable backend when entries must
// survive a restart.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]core.Entry
	order   []string // insertion order of ids
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{entries: make(map[string]core.Entry)}
}

// Initialize is a no-op.
func (b *Backend) Initialize(context.Context) error { return nil }

// Store inserts or replaces an entry. Ledger entries can't be replaced.
func (b *Backend) Store(_ context.Context, e core.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, found := b.entries[e.ID]
	if err := core.CheckOverwrite(existing, found); err != nil {
		return err
	}
	if !found {
		b.order = append(b.order, e.ID)
	}
	b.entries[e.ID] = e.Clone()
	return nil
}

// Retrieve returns a copy of the entry with the given id.
func (b *Backend) Retrieve(_ context.Context, id string) (core.Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return core.Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

// Search ranks all entries matching f against query.
func (b *Backend) Search(_ context.Context, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return core.Rank(query, f, b.orderedLocked(""), limit), nil
}

// List returns entries of a namespace in insertion order.
func (b *Backend) List(_ context.Context, namespace string, limit, offset int) ([]core.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	page := core.Page(b.orderedLocked(namespace), limit, offset)
	out := make([]core.Entry, len(page))
	for i, e := range page {
		out[i] = e.Clone()
	}
	return out, nil
}

// Remove deletes an entry. Ledger entries are refused.
func (b *Backend) Remove(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return false, nil
	}
	if err := core.CheckRemovable(e); err != nil {
		return false, err
	}
	delete(b.entries, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
	return true, nil
}

// Count returns the number of entries in namespace, or in total when empty.
func (b *Backend) Count(_ context.Context, namespace string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if namespace == "" {
		return len(b.entries), nil
	}
	n := 0
	for _, e := range b.entries {
		if e.Namespace == namespace {
			n++
		}
	}
	return n, nil
}

// Clear removes every non-ledger entry of namespace, or of all namespaces when empty.
func (b *Backend) Clear(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.order[:0]
	for _, id := range b.order {
		e := b.entries[id]
		if (namespace == "" || e.Namespace == namespace) && !e.Category.AppendOnly() {
			delete(b.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func (b *Backend) orderedLocked(namespace string) []core.Entry {
	out := make([]core.Entry, 0, len(b.order))
	for _, id := range b.order {
		e := b.entries[id]
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, e)
	}
	return out
}
