package guardianmesh

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/config"
	"github.com/hupe1980/guardianmesh/contextbank"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/cost"
	"github.com/hupe1980/guardianmesh/internal/testutil"
	"github.com/hupe1980/guardianmesh/logging"
	"github.com/hupe1980/guardianmesh/namespace"
	"github.com/hupe1980/guardianmesh/routing"
)

type eventLog struct {
	mu    sync.Mutex
	types []core.EventType
}

func (l *eventLog) record(_ context.Context, ev core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
}

func (l *eventLog) count(t core.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.types {
		if x == t {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, optFns ...func(o *Options)) (*Orchestrator, *eventLog, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC))
	optFns = append([]func(o *Options){func(o *Options) { o.Now = clock.Now }}, optFns...)
	o, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, o.Close()) })

	log := &eventLog{}
	o.On(core.EventAny, log.record)
	return o, log, clock
}

func TestRememberAndRecall(t *testing.T) {
	o, log, _ := newOrchestrator(t)
	ctx := context.Background()

	e, err := o.Remember(ctx, "lyssandria", "Decided on the roadmap for the migration", "planning")
	require.NoError(t, err)
	assert.Equal(t, "guardian:lyssandria", e.Namespace)
	assert.Equal(t, core.CategoryStrategic, e.Category)
	assert.Equal(t, []string{"planning"}, e.Tags)
	assert.NotEmpty(t, e.Metadata["vault_reasoning"])

	_, err = o.Remember(ctx, "draconia", "Roadmap for the latency work")
	require.NoError(t, err)

	results, err := o.Recall(ctx, "lyssandria", "roadmap migration", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, e.ID, results[0].Entry.ID)

	assert.Equal(t, 2, log.count(core.EventMemoryStored))
	assert.Equal(t, 2, o.Stats().ContextBank.Fragments)

	frags, err := o.Bank().Retrieve(ctx, "roadmap", contextbank.RetrieveOptions{Tags: []string{"planning", "strategic"}})
	require.NoError(t, err)
	assert.Len(t, frags, 1)
}

func TestRememberValidates(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	_, err := o.Remember(context.Background(), "", "content")
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, o.Stats().ContextBank.Fragments)
}

func TestTTLPolicyAndPrune(t *testing.T) {
	o, log, clock := newOrchestrator(t, func(o *Options) {
		o.Policies = map[string]namespace.Policy{"lyria": namespace.TTL(time.Hour)}
	})
	ctx := context.Background()

	e, err := o.Remember(ctx, "lyria", "Investigated the crash loop in the worker")
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)

	clock.Advance(2 * time.Hour)
	n, err := o.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = o.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, log.count(core.EventMemoryExpired))
}

func TestSessionAndClear(t *testing.T) {
	o, _, _ := newOrchestrator(t, func(o *Options) {
		o.Policies = map[string]namespace.Policy{"ino": namespace.Session()}
	})
	ctx := context.Background()

	_, err := o.Remember(ctx, "ino", "Paired on the merge conflict")
	require.NoError(t, err)
	n, err := o.CloseSession(ctx, "ino")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = o.Remember(ctx, "alera", "Named the public endpoint")
	require.NoError(t, err)
	require.NoError(t, o.ClearNamespace(ctx, "alera"))
	results, err := o.Recall(ctx, "alera", "endpoint", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBudgetFlow(t *testing.T) {
	o, log, _ := newOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.SetBudget(cost.Budget{TotalBudget: 1000, WarningThreshold: 0.8, CriticalThreshold: 0.95}))
	require.NoError(t, o.RecordUsage(ctx, "lyria", 850, "claude"))
	require.NoError(t, o.RecordUsage(ctx, "lyria", 110, "claude"))
	require.NoError(t, o.RecordUsage(ctx, "lyria", 10, "claude"))

	assert.Equal(t, 1, log.count(core.EventBudgetWarning))
	assert.Equal(t, 1, log.count(core.EventBudgetCritical))
	st, ok := o.BudgetStatus()
	require.True(t, ok)
	assert.Equal(t, cost.LevelCritical, st.Level)
	assert.Equal(t, int64(970), o.Stats().Cost.TotalTokens)
}

func TestRoutingFlow(t *testing.T) {
	o, log, _ := newOrchestrator(t)
	ctx := context.Background()

	d := o.Route(ctx, "optimize database schema and migration", routing.RouteContext{})
	assert.Equal(t, "lyssandria", d.AgentID)
	assert.Positive(t, d.Confidence)
	require.NoError(t, o.RecordOutcome(ctx, d, routing.ResultSuccess, 1))

	fb := o.Route(ctx, "xyzzy blorp fleem", routing.RouteContext{Exclude: []string{"lyssandria"}})
	assert.True(t, fb.Fallback)
	assert.Equal(t, "shinkami", fb.AgentID)

	st := o.Stats().Routing
	assert.Equal(t, int64(2), st.TotalRoutes)
	assert.Equal(t, 1, st.OutcomesRecorded)
	assert.Equal(t, 2, log.count(core.EventGuardianRouted))
}

func TestCachedLookup(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	calls := 0
	gen := func(context.Context) (any, error) {
		calls++
		return "value", nil
	}

	v, hit, err := o.CachedLookup(context.Background(), "k", gen)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "value", v)

	_, hit, err = o.CachedLookup(context.Background(), "k", gen)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), o.LookupStats().Hits)
}

func TestCompactContext(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	ctx := context.Background()
	for _, text := range []string{
		"JWT auth tokens rotate every hour",
		"Common auth patterns include OAuth2 and session cookies",
		"The deploy pipeline promotes releases from staging to production after integration suites pass",
	} {
		_, err := o.Remember(ctx, "alera", text)
		require.NoError(t, err)
	}

	cc, err := o.CompactContext(ctx, "auth patterns", contextbank.CompactOptions{BaselineTokens: 1000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cc.TokensSaved, 0)
	assert.Len(t, cc.Fragments, 2)
	assert.NotContains(t, cc.Prompt, "deploy pipeline")
}

func TestCompactContextFollowsMemoryLifecycle(t *testing.T) {
	o, _, clock := newOrchestrator(t, func(o *Options) {
		o.Policies = map[string]namespace.Policy{
			"aiyami": namespace.TTL(time.Minute),
			"ino":    namespace.Session(),
		}
	})
	ctx := context.Background()

	for _, m := range []struct{ agent, content string }{
		{"aiyami", "secret oauth token rotation pattern"},
		{"draconia", "other agent oauth note"},
		{"draconia", "I hope for a good future where every oauth token is short lived"},
		{"ino", "session oauth token scratch note"},
	} {
		_, err := o.Remember(ctx, m.agent, m.content)
		require.NoError(t, err)
	}

	cc, err := o.CompactContextFor(ctx, "aiyami", "oauth token", contextbank.CompactOptions{})
	require.NoError(t, err)
	require.Len(t, cc.Fragments, 1)
	assert.Contains(t, cc.Prompt, "rotation pattern")
	assert.NotContains(t, cc.Prompt, "other agent")

	clock.Advance(2 * time.Minute)
	cc, err = o.CompactContextFor(ctx, "aiyami", "oauth token", contextbank.CompactOptions{})
	require.NoError(t, err)
	assert.Empty(t, cc.Fragments)

	n, err := o.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, o.ClearNamespace(ctx, "draconia"))
	n, err = o.CloseSession(ctx, "ino")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cc, err = o.CompactContext(ctx, "oauth token", contextbank.CompactOptions{})
	require.NoError(t, err)
	require.Len(t, cc.Fragments, 1)
	assert.Contains(t, cc.Prompt, "good future")
	assert.NotContains(t, cc.Prompt, "rotation pattern")
	assert.NotContains(t, cc.Prompt, "other agent")
	assert.NotContains(t, cc.Prompt, "scratch")
	assert.Equal(t, 1, o.Stats().ContextBank.Fragments)

	_, err = o.CompactContextFor(ctx, " ", "oauth token", contextbank.CompactOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestClassify(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	assert.Equal(t, core.CategoryStrategic, o.Classify("Decided on the roadmap for the migration", "").Category)
	assert.Contains(t, o.Classify("xyzzy", "lyria").Reasoning, "Lyria")
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.Backend = "file"
	cfg.Memory.Dir = t.TempDir()
	cfg.Memory.Retention = map[string]config.RetentionConfig{"lyria": {Policy: "ttl", TTL: time.Hour}}
	cfg.Budget.Total = 1000
	cfg.ContextBank.Scorer = "embedding"

	o, err := NewFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, o.Close()) }()

	assert.Equal(t, namespace.TTL(time.Hour), o.Store().Policy("lyria"))
	st, ok := o.BudgetStatus()
	require.True(t, ok)
	assert.Equal(t, int64(1000), st.TotalBudget)

	_, err = o.Remember(context.Background(), "lyria", "Diagnosed the flaky crash")
	require.NoError(t, err)
	got, err := o.Recall(context.Background(), "lyria", "crash", 3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewFromConfigValidates(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.Backend = "postgres"
	_, err := NewFromConfig(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	cfg = config.Default()
	cfg.Memory.Backend = "memory"
	cfg.Routing.Overseer = "nobody"
	_, err = NewFromConfig(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNewValidates(t *testing.T) {
	_, err := New(func(o *Options) { o.CacheSize = 0 })
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = New(func(o *Options) { o.Budget = &cost.Budget{} })
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "json", Output: &buf})
	o, err := New(func(o *Options) { o.Logger = logger })
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.RecordUsage(context.Background(), "lyria", 10, "claude"))
	o.Route(context.Background(), "database schema", routing.RouteContext{})
	assert.Contains(t, buf.String(), `"component":"cost"`)
	assert.Contains(t, buf.String(), `"component":"routing"`)
}
