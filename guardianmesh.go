// Package guardianmesh provides a high-level façade over the memory, cost and
// routing components of a guardian deployment. Most applications interact
// with this package by:
//  1. Creating an Orchestrator via New() or NewFromConfig()
//  2. Routing tasks (Route) and reporting how they went (RecordOutcome)
//  3. Reporting model usage (RecordUsage) against an optional budget
//  4. Remembering and recalling knowledge per guardian (Remember, Recall,
//     CompactContext)
//
// Every component shares one core.Dispatcher, so a single On registration
// observes budget alerts, routing decisions and memory lifecycle events.
// The façade owns no domain state of its own.
package guardianmesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/guardianmesh/backend"
	"github.com/hupe1980/guardianmesh/backend/memory"
	"github.com/hupe1980/guardianmesh/cache"
	"github.com/hupe1980/guardianmesh/config"
	"github.com/hupe1980/guardianmesh/contextbank"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/cost"
	"github.com/hupe1980/guardianmesh/guardian"
	"github.com/hupe1980/guardianmesh/logging"
	"github.com/hupe1980/guardianmesh/namespace"
	"github.com/hupe1980/guardianmesh/routing"
	"github.com/hupe1980/guardianmesh/vault"
)

// Options configures the Orchestrator.
type Options struct {
	// Backend stores memory entries. Defaults to an initialized in-process
	// backend. The orchestrator closes it only if it created it.
	Backend core.StorageBackend

	// Memory store settings.
	SystemPrefix  string
	DefaultPolicy namespace.Policy
	Policies      map[string]namespace.Policy
	MaxEntries    int

	// Classifier files remembered content into vaults. Defaults to vault.New().
	Classifier *vault.Classifier

	// Lookup cache sizing for CachedLookup.
	CacheSize int
	CacheTTL  time.Duration

	// Context bank settings. A nil Scorer uses word overlap.
	MaxFragments     int
	ContextLimit     int
	ContextThreshold float64
	Scorer           contextbank.Scorer

	// Budget is installed on the cost tracker when set.
	Budget *cost.Budget

	// Routing settings. Nil Guardians means the full catalog.
	Guardians []guardian.Info
	Overseer  string

	// Dispatcher is shared by every component. Defaults to a new one.
	Dispatcher *core.Dispatcher
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	Now    func() time.Time
}

// Orchestrator wires the memory store, classifier, caches, cost tracker and
// routing engine together.
type Orchestrator struct {
	backend     core.StorageBackend
	ownsBackend bool
	events      *core.Dispatcher
	logger      logging.Logger

	store      *namespace.Store
	classifier *vault.Classifier
	lookups    *cache.Cache[string, any]
	bank       *contextbank.Bank
	tracker    *cost.Tracker
	router     *routing.Engine
}

// New creates an Orchestrator. Unset components get defaults suitable for
// local development and tests.
func New(optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := Options{
		SystemPrefix:  "guardian",
		DefaultPolicy: namespace.Permanent(),
		CacheSize:     256,
		CacheTTL:      5 * time.Minute,
		ContextLimit:  5,
		Overseer:      guardian.Overseer,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = core.NewDispatcher(opts.Logger)
	}
	if opts.Classifier == nil {
		opts.Classifier = vault.New()
	}

	o := &Orchestrator{
		backend:    opts.Backend,
		events:     opts.Dispatcher,
		logger:     opts.Logger,
		classifier: opts.Classifier,
	}
	if o.backend == nil {
		mem := memory.New()
		if err := mem.Initialize(context.Background()); err != nil {
			return nil, err
		}
		o.backend, o.ownsBackend = mem, true
	}

	var err error
	o.store, err = namespace.New(o.backend, func(no *namespace.Options) {
		no.SystemPrefix = opts.SystemPrefix
		no.DefaultPolicy = opts.DefaultPolicy
		no.Policies = opts.Policies
		no.MaxEntries = opts.MaxEntries
		no.Classifier = opts.Classifier
		no.Logger = componentLogger(opts.Logger, "memory")
		no.Dispatcher = opts.Dispatcher
		no.Now = opts.Now
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	o.lookups, err = cache.New[string, any](opts.CacheSize, opts.CacheTTL, func(co *cache.Options) { co.Now = opts.Now })
	if err != nil {
		return nil, fmt.Errorf("lookup cache: %w", err)
	}

	o.bank, err = contextbank.New(func(bo *contextbank.Options) {
		bo.MaxFragments = opts.MaxFragments
		bo.Limit = opts.ContextLimit
		bo.Threshold = opts.ContextThreshold
		if opts.Scorer != nil {
			bo.Scorer = opts.Scorer
		}
		bo.Logger = componentLogger(opts.Logger, "contextbank")
		bo.Dispatcher = opts.Dispatcher
		bo.Now = opts.Now
	})
	if err != nil {
		return nil, fmt.Errorf("context bank: %w", err)
	}
	o.events.On(core.EventMemoryExpired, o.forgetEntry)
	o.events.On(core.EventNamespaceCleared, o.forgetRemoved)
	o.events.On(core.EventSessionClosed, o.forgetRemoved)

	o.tracker, err = cost.New(func(to *cost.Options) {
		to.Budget = opts.Budget
		to.Logger = componentLogger(opts.Logger, "cost")
		to.Dispatcher = opts.Dispatcher
		to.Now = opts.Now
	})
	if err != nil {
		return nil, fmt.Errorf("cost tracker: %w", err)
	}

	o.router, err = routing.New(func(ro *routing.Options) {
		ro.Profiles = opts.Guardians
		ro.Overseer = opts.Overseer
		ro.Logger = componentLogger(opts.Logger, "routing")
		ro.Dispatcher = opts.Dispatcher
		ro.Now = opts.Now
	})
	if err != nil {
		return nil, fmt.Errorf("routing engine: %w", err)
	}
	return o, nil
}

// componentLogger tags l with the component name when it supports it.
func componentLogger(l logging.Logger, name string) logging.Logger {
	if ml, ok := l.(*logging.MeshLogger); ok {
		return ml.WithComponent(name)
	}
	return l
}

// NewFromConfig opens the configured backend and builds an Orchestrator
// from cfg. The returned orchestrator owns the backend.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defPolicy, err := namespace.ParsePolicy(cfg.Memory.DefaultPolicy, cfg.Memory.DefaultTTL)
	if err != nil {
		return nil, err
	}
	policies := make(map[string]namespace.Policy, len(cfg.Memory.Retention))
	for ns, rc := range cfg.Memory.Retention {
		p, err := namespace.ParsePolicy(rc.Policy, rc.TTL)
		if err != nil {
			return nil, fmt.Errorf("retention %q: %w", ns, err)
		}
		policies[ns] = p
	}

	var scorer contextbank.Scorer
	if cfg.ContextBank.Scorer == "embedding" {
		if scorer, err = contextbank.NewEmbeddingScorer(); err != nil {
			return nil, err
		}
	}

	var budget *cost.Budget
	if cfg.Budget.Total > 0 {
		budget = &cost.Budget{
			TotalBudget:       cfg.Budget.Total,
			WarningThreshold:  cfg.Budget.Warning,
			CriticalThreshold: cfg.Budget.Critical,
		}
	}

	b, err := backend.Open(ctx, cfg.Memory, componentLogger(logger, "backend"))
	if err != nil {
		return nil, err
	}

	o, err := New(func(o *Options) {
		o.Backend = b
		o.SystemPrefix = cfg.Memory.SystemPrefix
		o.DefaultPolicy = defPolicy
		o.Policies = policies
		o.MaxEntries = cfg.Memory.MaxEntries
		o.CacheSize = cfg.Cache.MaxSize
		o.CacheTTL = cfg.Cache.TTL
		o.MaxFragments = cfg.ContextBank.MaxFragments
		o.ContextLimit = cfg.ContextBank.Limit
		o.ContextThreshold = cfg.ContextBank.Threshold
		o.Scorer = scorer
		o.Budget = budget
		o.Overseer = cfg.Routing.Overseer
		o.Logger = logger
	})
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	o.ownsBackend = true
	return o, nil
}

// Route picks the guardian for task.
func (o *Orchestrator) Route(ctx context.Context, task string, rc routing.RouteContext) routing.Decision {
	return o.router.Route(ctx, task, rc)
}

// RecordOutcome feeds the result of a routed task back into routing.
func (o *Orchestrator) RecordOutcome(ctx context.Context, d routing.Decision, result routing.Result, reward float64) error {
	return o.router.RecordOutcome(ctx, d, result, reward)
}

// RecordUsage charges tokens spent by agentID on model.
func (o *Orchestrator) RecordUsage(ctx context.Context, agentID string, tokens int64, model string) error {
	return o.tracker.RecordUsage(ctx, agentID, tokens, model)
}

// SetBudget replaces the token budget and rearms its alerts.
func (o *Orchestrator) SetBudget(b cost.Budget) error { return o.tracker.SetBudget(b) }

// BudgetStatus reports the budget, or false when none is set.
func (o *Orchestrator) BudgetStatus() (cost.BudgetStatus, bool) { return o.tracker.BudgetStatus() }

// CachedLookup memoizes gen under key in the shared lookup cache.
func (o *Orchestrator) CachedLookup(ctx context.Context, key string, gen func(ctx context.Context) (any, error)) (any, bool, error) {
	return o.lookups.CachedLookup(ctx, key, gen)
}

// CompactContext builds a compact prompt from the context bank. Without
// opts.Namespace it draws on the memories of every guardian.
func (o *Orchestrator) CompactContext(ctx context.Context, query string, opts contextbank.CompactOptions) (*contextbank.CompactContext, error) {
	return o.bank.GetCompactContext(ctx, query, opts)
}

// CompactContextFor builds a compact prompt from the memories of agentID only.
func (o *Orchestrator) CompactContextFor(ctx context.Context, agentID, query string, opts contextbank.CompactOptions) (*contextbank.CompactContext, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, &core.ValidationError{Field: "agentID", Reason: "must not be empty"}
	}
	opts.Namespace = o.store.Canonical(agentID)
	return o.bank.GetCompactContext(ctx, query, opts)
}

// Remember classifies content for agentID, stores it in the agent's
// namespace and indexes it in the context bank under the entry id. The
// fragment shares the entry's namespace and expiry and leaves the bank when
// the entry is pruned, cleared or closed with its session. A bank failure is
// logged and does not undo the stored entry.
func (o *Orchestrator) Remember(ctx context.Context, agentID, content string, tags ...string) (core.Entry, error) {
	c := o.classifier.ClassifyFor(content, agentID)
	e := core.Entry{
		Category:   c.Category,
		Content:    content,
		Tags:       slices.Clone(tags),
		Confidence: c.Level,
		Metadata: map[string]string{
			"vault_confidence": fmt.Sprintf("%.2f", c.Confidence),
			"vault_reasoning":  c.Reasoning,
		},
	}
	stored, err := o.store.StoreFor(ctx, agentID, e)
	if err != nil {
		return core.Entry{}, err
	}

	f := contextbank.Fragment{
		ID:        stored.ID,
		Namespace: stored.Namespace,
		Text:      content,
		Tags:      append(slices.Clone(tags), string(stored.Category)),
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if _, err := o.bank.Add(ctx, f); err != nil {
		o.logger.Warn("context bank indexing failed", "agent", agentID, "entry", stored.ID, "error", err)
	}
	return stored, nil
}

// forgetEntry drops the fragment of an expired entry.
func (o *Orchestrator) forgetEntry(ctx context.Context, ev core.Event) {
	id, _ := ev.Data["id"].(string)
	if id == "" {
		return
	}
	if _, err := o.bank.Remove(ctx, id); err != nil {
		o.logger.Warn("failed to drop expired context fragment", "entry", id, "error", err)
	}
}

// forgetRemoved drops the fragments of ev.Namespace whose entries the backend
// no longer holds. Ledger entries survive a clear, so their fragments stay.
func (o *Orchestrator) forgetRemoved(ctx context.Context, ev core.Event) {
	var gone []string
	for _, f := range o.bank.Fragments() {
		if f.Namespace != ev.Namespace {
			continue
		}
		_, ok, err := o.backend.Retrieve(ctx, f.ID)
		if err != nil {
			o.logger.Warn("failed to check context fragment", "entry", f.ID, "namespace", ev.Namespace, "error", err)
			continue
		}
		if !ok {
			gone = append(gone, f.ID)
		}
	}
	if _, err := o.bank.Remove(ctx, gone...); err != nil {
		o.logger.Warn("failed to drop removed context fragments", "namespace", ev.Namespace, "error", err)
	}
}

// Recall ranks the memories of agentID against query by keyword relevance,
// confidence and recency.
func (o *Orchestrator) Recall(ctx context.Context, agentID, query string, limit int) ([]core.SearchResult, error) {
	return o.store.HybridSearchFor(ctx, agentID, query, namespace.HybridOptions{Limit: limit})
}

// Classify files content into a vault, using the guardian's affinity when
// guardianID is set.
func (o *Orchestrator) Classify(content, guardianID string) vault.Classification {
	if guardianID == "" {
		return o.classifier.Classify(content)
	}
	return o.classifier.ClassifyFor(content, guardianID)
}

// PruneExpired removes every ttl entry past its expiry.
func (o *Orchestrator) PruneExpired(ctx context.Context) (int, error) {
	return o.store.PruneExpired(ctx)
}

// CloseSession removes the entries written under a session policy for agentID.
func (o *Orchestrator) CloseSession(ctx context.Context, agentID string) (int, error) {
	return o.store.CloseSession(ctx, agentID)
}

// ClearNamespace removes every non-ledger entry of agentID.
func (o *Orchestrator) ClearNamespace(ctx context.Context, agentID string) error {
	return o.store.ClearNamespace(ctx, agentID)
}

// On registers fn for events of type t. Use core.EventAny for all events.
func (o *Orchestrator) On(t core.EventType, fn func(ctx context.Context, ev core.Event)) {
	o.events.On(t, fn)
}

// Stats aggregates the counters of every component.
type Stats struct {
	Cost           cost.Summary      `json:"cost"`
	Routing        routing.Stats     `json:"routing"`
	Lookup         cache.Stats       `json:"lookupCache"`
	ContextBank    contextbank.Stats `json:"contextBank"`
	TrackedEntries int               `json:"trackedEntries"`
}

// Stats returns a snapshot of all component counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Cost:           o.tracker.Summary(),
		Routing:        o.router.Stats(),
		Lookup:         o.lookups.Stats(),
		ContextBank:    o.bank.Stats(),
		TrackedEntries: o.store.Tracked(),
	}
}

// Dispatcher returns the shared event dispatcher.
func (o *Orchestrator) Dispatcher() *core.Dispatcher { return o.events }

// Backend returns the storage backend.
func (o *Orchestrator) Backend() core.StorageBackend { return o.backend }

// Store returns the namespaced memory store.
func (o *Orchestrator) Store() *namespace.Store { return o.store }

// Bank returns the context bank.
func (o *Orchestrator) Bank() *contextbank.Bank { return o.bank }

// Tracker returns the cost tracker.
func (o *Orchestrator) Tracker() *cost.Tracker { return o.tracker }

// Router returns the routing engine.
func (o *Orchestrator) Router() *routing.Engine { return o.router }

// LookupStats exposes the lookup cache counters.
func (o *Orchestrator) LookupStats() cache.Stats { return o.lookups.Stats() }

// Close releases the backend when the orchestrator created it.
func (o *Orchestrator) Close() error {
	if o.ownsBackend {
		return o.backend.Close()
	}
	return nil
}
