package core

import "context"

// Filters narrows Search results. Zero values match everything.
type Filters struct {
	Namespace     string
	Category      Category
	Tags          []string
	MinConfidence Confidence
}

// Match reports whether e satisfies every non-zero filter.
func (f Filters) Match(e Entry) bool {
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.MinConfidence != "" && e.Confidence.Score() < f.MinConfidence.Score() {
		return false
	}
	return e.HasTags(f.Tags)
}

// StorageBackend persists entries. Implementations must share identical
// semantics: absence is reported as (zero, false, nil), never as an error,
// and append-only ledger entries are never overwritten, removed or cleared.
//
// Count and Clear treat an empty namespace as "all namespaces". A limit of
// zero or less means unbounded.
type StorageBackend interface {
	// Initialize prepares the backend. Remote implementations fail fast with a
	// ConnectivityError when their endpoint can't be reached.
	Initialize(ctx context.Context) error
	Store(ctx context.Context, e Entry) error
	Retrieve(ctx context.Context, id string) (Entry, bool, error)
	Search(ctx context.Context, query string, f Filters, limit int) ([]SearchResult, error)
	List(ctx context.Context, namespace string, limit, offset int) ([]Entry, error)
	Remove(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, namespace string) (int, error)
	Clear(ctx context.Context, namespace string) error
	Close() error
}
