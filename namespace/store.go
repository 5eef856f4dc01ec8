// Package namespace scopes memory entries to a guardian and applies
// retention policies on top of any core.StorageBackend.
package namespace

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// Classifier picks a category for content written without one. agentID is
// the namespace as the caller passed it, without the system prefix.
type Classifier interface {
	Categorize(content, agentID string) core.Category
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(content, agentID string) core.Category

func (f ClassifierFunc) Categorize(content, agentID string) core.Category { return f(content, agentID) }

// Options configures a Store.
type Options struct {
	// SystemPrefix is prepended to every namespace. Default "guardian".
	SystemPrefix string

	// DefaultPolicy applies to namespaces without an explicit policy.
	DefaultPolicy Policy

	// Policies maps namespaces (canonical or short form) to policies.
	Policies map[string]Policy

	// MaxEntries caps entries per namespace; zero means unbounded.
	MaxEntries int

	// Classifier categorizes entries stored without a category. When nil
	// such entries are stored as operational.
	Classifier Classifier

	Logger     logging.Logger
	Dispatcher *core.Dispatcher
	Now        func() time.Time
}

type writeMeta struct {
	namespace string
	policy    Policy
	storedAt  time.Time
	expiresAt *time.Time
}

// Store is the namespaced memory store.
//
// Concurrency: bookkeeping is guarded by a mutex that is never held across a
// backend call or an event emission.
type Store struct {
	backend    core.StorageBackend
	prefix     string
	defPolicy  Policy
	maxEntries int
	classifier Classifier
	logger     logging.Logger
	events     *core.Dispatcher
	now        func() time.Time

	mu       sync.Mutex
	policies map[string]Policy    // canonical namespace -> policy
	written  map[string]writeMeta // entry id -> write metadata
	sessions map[string][]string  // canonical namespace -> ids written under a session policy
}

// New creates a store on top of backend. The backend must already be
// initialized.
func New(backend core.StorageBackend, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		SystemPrefix:  "guardian",
		DefaultPolicy: Permanent(),
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.DefaultPolicy.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.SystemPrefix) == "" {
		return nil, &core.ValidationError{Field: "systemPrefix", Reason: "must not be empty"}
	}
	if opts.MaxEntries < 0 {
		return nil, &core.ValidationError{Field: "maxEntries", Reason: "must not be negative"}
	}

	s := &Store{
		backend:    backend,
		prefix:     strings.ToLower(opts.SystemPrefix),
		defPolicy:  opts.DefaultPolicy,
		maxEntries: opts.MaxEntries,
		classifier: opts.Classifier,
		logger:     opts.Logger,
		events:     opts.Dispatcher,
		now:        opts.Now,
		policies:   make(map[string]Policy),
		written:    make(map[string]writeMeta),
		sessions:   make(map[string][]string),
	}
	for ns, p := range opts.Policies {
		if err := s.SetPolicy(ns, p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Canonical returns "<prefix>:<lowercased ns>". Namespaces that already carry
// the prefix are returned unchanged apart from case.
func (s *Store) Canonical(ns string) string {
	ns = strings.ToLower(strings.TrimSpace(ns))
	if strings.HasPrefix(ns, s.prefix+":") {
		return ns
	}
	return s.prefix + ":" + ns
}

func (s *Store) canonical(ns string) (string, error) {
	if strings.TrimSpace(ns) == "" {
		return "", &core.ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	return s.Canonical(ns), nil
}

func (s *Store) short(canon string) string { return strings.TrimPrefix(canon, s.prefix+":") }

// SetPolicy sets the retention policy for future writes to ns. Entries
// already stored keep the expiry they were written with.
func (s *Store) SetPolicy(ns string, p Policy) error {
	canon, err := s.canonical(ns)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[canon] = p
	s.mu.Unlock()
	return nil
}

// Policy returns the policy in force for ns.
func (s *Store) Policy(ns string) Policy {
	canon := s.Canonical(ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyLocked(canon)
}

func (s *Store) policyLocked(canon string) Policy {
	if p, ok := s.policies[canon]; ok {
		return p
	}
	return s.defPolicy
}

// StoreFor writes e into namespace ns and returns the stored entry.
//
// An empty ID is generated, an empty Category is classified and an empty
// Confidence defaults to medium. A caller-supplied ID replaces an existing
// entry of the same namespace; ids owned by other namespaces are refused.
func (s *Store) StoreFor(ctx context.Context, ns string, e core.Entry) (core.Entry, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return core.Entry{}, err
	}
	if strings.TrimSpace(e.Content) == "" {
		return core.Entry{}, &core.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	e = e.Clone()
	if e.Category == "" {
		e.Category = core.CategoryOperational
		if s.classifier != nil {
			e.Category = s.classifier.Categorize(e.Content, s.short(canon))
		}
	}
	if !e.Category.Valid() {
		return core.Entry{}, &core.ValidationError{Field: "category", Reason: "unknown category " + string(e.Category)}
	}
	if e.Confidence == "" {
		e.Confidence = core.ConfidenceMedium
	}

	now := s.now()
	replacing := false
	if e.ID != "" {
		existing, found, err := s.backend.Retrieve(ctx, e.ID)
		if err != nil {
			return core.Entry{}, err
		}
		if found {
			if existing.Namespace != canon {
				return core.Entry{}, &core.ValidationError{Field: "id", Reason: "belongs to another namespace"}
			}
			replacing = true
			if e.CreatedAt.IsZero() {
				e.CreatedAt = existing.CreatedAt
			}
		}
	}

	if !replacing && s.maxEntries > 0 {
		n, err := s.backend.Count(ctx, canon)
		if err != nil {
			return core.Entry{}, err
		}
		if n >= s.maxEntries {
			return core.Entry{}, &core.CapacityError{Scope: canon, Limit: s.maxEntries}
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	s.mu.Lock()
	policy := s.policyLocked(canon)
	s.mu.Unlock()

	e.ExpiresAt = nil
	if policy.Kind == PolicyTTL && !e.Category.AppendOnly() {
		exp := e.CreatedAt.Add(policy.TTL)
		e.ExpiresAt = &exp
	}
	e.Namespace = canon

	if err := s.backend.Store(ctx, e); err != nil {
		return core.Entry{}, err
	}

	s.mu.Lock()
	s.written[e.ID] = writeMeta{namespace: canon, policy: policy, storedAt: now, expiresAt: e.ExpiresAt}
	inSession := slices.Contains(s.sessions[canon], e.ID)
	switch {
	case policy.Kind == PolicySession && !e.Category.AppendOnly():
		if !inSession {
			s.sessions[canon] = append(s.sessions[canon], e.ID)
		}
	case inSession:
		// A rewrite under another policy takes the entry out of the session.
		s.sessions[canon] = slices.DeleteFunc(s.sessions[canon], func(id string) bool { return id == e.ID })
		if len(s.sessions[canon]) == 0 {
			delete(s.sessions, canon)
		}
	}
	s.mu.Unlock()

	s.emit(ctx, core.EventMemoryStored, canon, map[string]any{
		"id":       e.ID,
		"category": string(e.Category),
		"policy":   policy.String(),
	})
	return e.Clone(), nil
}

// Get returns the entry id of namespace ns. Entries of other namespaces and
// expired entries read as absent; expired entries are removed on the way.
func (s *Store) Get(ctx context.Context, ns, id string) (core.Entry, bool, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return core.Entry{}, false, err
	}
	e, ok, err := s.backend.Retrieve(ctx, id)
	if err != nil || !ok || e.Namespace != canon {
		return core.Entry{}, false, err
	}
	if e.Expired(s.now()) {
		s.expire(ctx, e)
		return core.Entry{}, false, nil
	}
	return e, true, nil
}

// QueryFor lists entries of ns matching f, without a keyword query.
func (s *Store) QueryFor(ctx context.Context, ns string, f core.Filters, limit int) ([]core.Entry, error) {
	results, err := s.SearchFor(ctx, ns, "", f, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.Entry, len(results))
	for i, r := range results {
		out[i] = r.Entry
	}
	return out, nil
}

// SearchFor ranks entries of ns against query. The namespace filter is
// always ns, whatever f.Namespace says.
func (s *Store) SearchFor(ctx context.Context, ns, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return nil, err
	}
	f.Namespace = canon
	results, err := s.backend.Search(ctx, query, f, 0)
	if err != nil {
		return nil, err
	}
	return s.dropExpired(ctx, results, limit), nil
}

// HybridOptions weights the signals of HybridSearchFor. Zero weights take
// the defaults 0.6 keyword, 0.25 confidence and 0.15 recency.
type HybridOptions struct {
	Filters          core.Filters
	Limit            int
	KeywordWeight    float64
	ConfidenceWeight float64
	RecencyWeight    float64
	// HalfLife is the age at which recency contributes half. Default 7 days.
	HalfLife time.Duration
}

// HybridSearchFor blends keyword relevance with entry confidence and recency.
func (s *Store) HybridSearchFor(ctx context.Context, ns, query string, opts HybridOptions) ([]core.SearchResult, error) {
	if opts.KeywordWeight == 0 && opts.ConfidenceWeight == 0 && opts.RecencyWeight == 0 {
		opts.KeywordWeight, opts.ConfidenceWeight, opts.RecencyWeight = 0.6, 0.25, 0.15
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 7 * 24 * time.Hour
	}
	results, err := s.SearchFor(ctx, ns, query, opts.Filters, 0)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i, r := range results {
		age := now.Sub(r.Entry.UpdatedAt)
		if age < 0 {
			age = 0
		}
		recency := math.Pow(0.5, float64(age)/float64(opts.HalfLife))
		results[i].Score = opts.KeywordWeight*r.Score +
			opts.ConfidenceWeight*r.Entry.Confidence.Score() +
			opts.RecencyWeight*recency
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// ListFor returns entries of ns in insertion order, skipping expired ones.
func (s *Store) ListFor(ctx context.Context, ns string, limit, offset int) ([]core.Entry, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return nil, err
	}
	entries, err := s.backend.List(ctx, canon, limit, offset)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			s.expire(ctx, e)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// CountFor returns the number of entries stored for ns. Expired entries that
// were not yet pruned are included.
func (s *Store) CountFor(ctx context.Context, ns string) (int, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return 0, err
	}
	return s.backend.Count(ctx, canon)
}

// ClearNamespace removes all non-ledger entries of ns, forgets their write
// metadata and drops the namespace's session queue.
func (s *Store) ClearNamespace(ctx context.Context, ns string) error {
	canon, err := s.canonical(ns)
	if err != nil {
		return err
	}
	if err := s.backend.Clear(ctx, canon); err != nil {
		return err
	}

	s.mu.Lock()
	for id, m := range s.written {
		if m.namespace == canon {
			delete(s.written, id)
		}
	}
	delete(s.sessions, canon)
	s.mu.Unlock()

	s.emit(ctx, core.EventNamespaceCleared, canon, nil)
	return nil
}

// CloseSession removes every entry written to ns under a session policy and
// returns how many were removed.
func (s *Store) CloseSession(ctx context.Context, ns string) (int, error) {
	canon, err := s.canonical(ns)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	ids := slices.Clone(s.sessions[canon])
	s.mu.Unlock()

	removed := 0
	var errs []error
	var done []string
	for _, id := range ids {
		ok, err := s.backend.Remove(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		done = append(done, id)
		if ok {
			removed++
		}
	}

	s.mu.Lock()
	for _, id := range done {
		delete(s.written, id)
	}
	s.sessions[canon] = slices.DeleteFunc(s.sessions[canon], func(id string) bool { return slices.Contains(done, id) })
	if len(s.sessions[canon]) == 0 {
		delete(s.sessions, canon)
	}
	s.mu.Unlock()

	s.emit(ctx, core.EventSessionClosed, canon, map[string]any{"removed": removed})
	return removed, errors.Join(errs...)
}

// PruneExpired removes every tracked ttl entry whose ttl has elapsed and
// returns how many entries were actually removed. It is safe to call
// repeatedly; the store never schedules it on its own.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	type candidate struct{ id, namespace string }
	var due []candidate
	for id, m := range s.written {
		if m.expiresAt != nil && !now.Before(*m.expiresAt) {
			due = append(due, candidate{id: id, namespace: m.namespace})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	removed := 0
	var errs []error
	for _, c := range due {
		ok, err := s.backend.Remove(ctx, c.id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.untrack(c.id)
		if ok {
			removed++
			s.emit(ctx, core.EventMemoryExpired, c.namespace, map[string]any{"id": c.id, "reason": "prune"})
		}
	}
	if removed > 0 {
		s.logger.Debug("pruned expired entries", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Tracked returns the number of entries with write metadata.
func (s *Store) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *Store) dropExpired(ctx context.Context, results []core.SearchResult, limit int) []core.SearchResult {
	now := s.now()
	out := make([]core.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Entry.Expired(now) {
			s.expire(ctx, r.Entry)
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// expire removes an entry found expired on access.
func (s *Store) expire(ctx context.Context, e core.Entry) {
	ok, err := s.backend.Remove(ctx, e.ID)
	if err != nil {
		s.logger.Warn("failed to remove expired entry", "id", e.ID, "namespace", e.Namespace, "error", err)
		return
	}
	s.untrack(e.ID)
	if ok {
		s.emit(ctx, core.EventMemoryExpired, e.Namespace, map[string]any{"id": e.ID, "reason": "access"})
	}
}

func (s *Store) untrack(id string) {
	s.mu.Lock()
	delete(s.written, id)
	s.mu.Unlock()
}

func (s *Store) emit(ctx context.Context, t core.EventType, canon string, data map[string]any) {
	s.events.Emit(ctx, core.Event{
		Type:      t,
		AgentID:   s.short(canon),
		Namespace: canon,
		Time:      s.now(),
		Data:      data,
	})
}
