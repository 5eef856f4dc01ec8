package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Handle(_ context.Context, ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTracker(t *testing.T) (*Tracker, *recorder, *testutil.Clock) {
	t.Helper()
	rec := &recorder{}
	d := core.NewDispatcher(nil)
	d.Subscribe(core.EventAny, rec)
	clock := testutil.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tr, err := New(func(o *Options) {
		o.Dispatcher = d
		o.Now = clock.Now
	})
	require.NoError(t, err)
	return tr, rec, clock
}

var standardBudget = Budget{TotalBudget: 1000, WarningThreshold: 0.8, CriticalThreshold: 0.95}

func TestPerToken(t *testing.T) {
	assert.InDelta(t, 3.0/1e6, PerToken("claude"), 1e-15)
	assert.InDelta(t, 0.25/1e6, PerToken("Claude-Haiku"), 1e-15)
	assert.InDelta(t, 30.0/1e6, PerToken("gpt4"), 1e-15)
	assert.InDelta(t, DefaultPerMillion/1e6, PerToken("mystery"), 1e-15)
	assert.False(t, Known("mystery"))
}

func TestRecordUsage(t *testing.T) {
	tr, rec, clock := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordUsage(ctx, "lyria", 500, "claude"))
	clock.Advance(time.Minute)
	require.NoError(t, tr.RecordUsage(ctx, "Lyria", 300, "claude"))
	require.NoError(t, tr.RecordUsage(ctx, "draconia", 1_000_000, "gemini"))

	p, ok := tr.GuardianProfile("lyria")
	require.True(t, ok)
	assert.Equal(t, int64(800), p.TotalTokensUsed)
	assert.Equal(t, int64(2), p.CallCount)
	assert.Equal(t, 400.0, p.AvgTokensPerCall)
	assert.Equal(t, "Lyria", p.Name)
	assert.Equal(t, "Sight", p.Gate)
	assert.Equal(t, 639, p.Frequency)
	assert.Equal(t, map[string]int64{"claude": 800}, p.Models)
	assert.Equal(t, time.Minute, p.LastSeen.Sub(p.FirstSeen))

	d, ok := tr.GuardianProfile("draconia")
	require.True(t, ok)
	assert.InDelta(t, 1.0, d.CostEstimate, 1e-9)

	assert.Equal(t, 3, rec.count(core.EventUsageRecorded))
}

func TestRecordUsageEdgeCases(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	assert.ErrorIs(t, tr.RecordUsage(ctx, " ", 10, "claude"), core.ErrValidation)

	require.NoError(t, tr.RecordUsage(ctx, "ino", -50, "claude"))
	p, ok := tr.GuardianProfile("ino")
	require.True(t, ok)
	assert.Zero(t, p.TotalTokensUsed)
	assert.Equal(t, int64(1), p.CallCount)

	require.NoError(t, tr.RecordUsage(ctx, "custom-agent", 1000, "unknown-model"))
	c, ok := tr.GuardianProfile("custom-agent")
	require.True(t, ok)
	assert.Positive(t, c.CostEstimate)
	assert.Equal(t, "Custom-agent", c.Name)
	assert.Empty(t, c.Gate)

	_, ok = tr.GuardianProfile("nobody")
	assert.False(t, ok)
}

func TestUsageCopiesModels(t *testing.T) {
	tr, _, _ := newTracker(t)
	require.NoError(t, tr.RecordUsage(context.Background(), "ino", 5, "claude"))

	u, ok := tr.Usage("ino")
	require.True(t, ok)
	u.Models["claude"] = 999

	again, _ := tr.Usage("ino")
	assert.Equal(t, int64(5), again.Models["claude"])
}

func TestAllProfilesOrder(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordUsage(ctx, "lyria", 100, "claude"))
	require.NoError(t, tr.RecordUsage(ctx, "elara", 300, "claude"))
	require.NoError(t, tr.RecordUsage(ctx, "ino", 200, "claude"))
	require.NoError(t, tr.RecordUsage(ctx, "aiyami", 200, "claude"))

	var ids []string
	for _, p := range tr.AllProfiles() {
		ids = append(ids, p.AgentID)
	}
	assert.Equal(t, []string{"elara", "aiyami", "ino", "lyria"}, ids)
}

func TestBudgetLatchesFireOnce(t *testing.T) {
	tr, rec, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.SetBudget(standardBudget))

	require.NoError(t, tr.RecordUsage(ctx, "lyria", 850, "claude"))
	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
	assert.Zero(t, rec.count(core.EventBudgetCritical))

	st, ok := tr.BudgetStatus()
	require.True(t, ok)
	assert.Equal(t, LevelWarning, st.Level)
	assert.True(t, st.WarningFired)
	assert.Equal(t, int64(150), st.Remaining)

	require.NoError(t, tr.RecordUsage(ctx, "lyria", 110, "claude"))
	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
	assert.Equal(t, 1, rec.count(core.EventBudgetCritical))

	require.NoError(t, tr.RecordUsage(ctx, "lyria", 500, "claude"))
	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
	assert.Equal(t, 1, rec.count(core.EventBudgetCritical))

	st, _ = tr.BudgetStatus()
	assert.Equal(t, LevelCritical, st.Level)
	assert.Zero(t, st.Remaining)
	assert.Equal(t, int64(1460), st.Used)
}

func TestBudgetCriticalInOneStepFiresBoth(t *testing.T) {
	tr, rec, _ := newTracker(t)
	require.NoError(t, tr.SetBudget(standardBudget))
	require.NoError(t, tr.RecordUsage(context.Background(), "lyria", 960, "claude"))
	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
	assert.Equal(t, 1, rec.count(core.EventBudgetCritical))
}

func TestSetBudgetRearmsLatches(t *testing.T) {
	tr, rec, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.SetBudget(standardBudget))
	require.NoError(t, tr.RecordUsage(ctx, "lyria", 850, "claude"))

	require.NoError(t, tr.SetBudget(standardBudget))
	st, _ := tr.BudgetStatus()
	assert.False(t, st.WarningFired)
	assert.Zero(t, st.Used)

	require.NoError(t, tr.RecordUsage(ctx, "lyria", 850, "claude"))
	assert.Equal(t, 2, rec.count(core.EventBudgetWarning))
}

func TestBudgetInitialUsed(t *testing.T) {
	tr, rec, _ := newTracker(t)
	b := standardBudget
	b.Used = 700
	require.NoError(t, tr.SetBudget(b))
	require.NoError(t, tr.RecordUsage(context.Background(), "lyria", 100, "claude"))
	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
}

func TestZeroBudgetNeverFires(t *testing.T) {
	tr, rec, _ := newTracker(t)
	require.NoError(t, tr.SetBudget(Budget{WarningThreshold: 0.5, CriticalThreshold: 0.9}))
	require.NoError(t, tr.RecordUsage(context.Background(), "lyria", 10_000, "claude"))

	st, ok := tr.BudgetStatus()
	require.True(t, ok)
	assert.Zero(t, st.Ratio)
	assert.Equal(t, LevelOK, st.Level)
	assert.Zero(t, rec.count(core.EventBudgetWarning))
	assert.Zero(t, rec.count(core.EventBudgetCritical))
}

func TestBudgetValidate(t *testing.T) {
	tests := []struct {
		name   string
		budget Budget
		field  string
	}{
		{"negative total", Budget{TotalBudget: -1, WarningThreshold: 0.5, CriticalThreshold: 0.9}, "totalBudget"},
		{"negative used", Budget{Used: -1, WarningThreshold: 0.5, CriticalThreshold: 0.9}, "used"},
		{"zero warning", Budget{WarningThreshold: 0, CriticalThreshold: 0.9}, "warningThreshold"},
		{"critical above one", Budget{WarningThreshold: 0.5, CriticalThreshold: 1.1}, "criticalThreshold"},
		{"inverted", Budget{WarningThreshold: 0.9, CriticalThreshold: 0.5}, "warningThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *core.ValidationError
			require.ErrorAs(t, tt.budget.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	tr, _, _ := newTracker(t)
	assert.ErrorIs(t, tr.SetBudget(Budget{WarningThreshold: 0.9, CriticalThreshold: 0.5}), core.ErrValidation)
	_, ok := tr.BudgetStatus()
	assert.False(t, ok)
}

func TestNewWithBudget(t *testing.T) {
	b := standardBudget
	tr, err := New(func(o *Options) { o.Budget = &b })
	require.NoError(t, err)
	_, ok := tr.BudgetStatus()
	assert.True(t, ok)

	bad := Budget{}
	_, err = New(func(o *Options) { o.Budget = &bad })
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSummaryAndReset(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.SetBudget(standardBudget))
	require.NoError(t, tr.RecordUsage(ctx, "lyria", 100, "claude"))
	require.NoError(t, tr.RecordUsage(ctx, "draconia", 200, "gemini"))

	s := tr.Summary()
	assert.Equal(t, int64(300), s.TotalTokens)
	assert.Equal(t, int64(2), s.TotalCalls)
	assert.InDelta(t, 100*3.0/1e6+200*1.0/1e6, s.TotalCost, 1e-12)
	assert.Len(t, s.Profiles, 2)
	require.NotNil(t, s.Budget)
	assert.Equal(t, int64(300), s.Budget.Used)

	tr.Reset()
	s = tr.Summary()
	assert.Zero(t, s.TotalTokens)
	assert.Zero(t, s.TotalCalls)
	assert.Empty(t, s.Profiles)
	assert.Nil(t, s.Budget)
	_, ok := tr.GuardianProfile("lyria")
	assert.False(t, ok)
}

func TestListenersMayCallBack(t *testing.T) {
	d := core.NewDispatcher(nil)
	tr, err := New(func(o *Options) { o.Dispatcher = d })
	require.NoError(t, err)
	require.NoError(t, tr.SetBudget(standardBudget))

	var seen BudgetStatus
	d.On(core.EventBudgetWarning, func(context.Context, core.Event) {
		seen, _ = tr.BudgetStatus()
	})
	require.NoError(t, tr.RecordUsage(context.Background(), "lyria", 900, "claude"))
	assert.True(t, seen.WarningFired)
}

func TestConcurrentRecordUsageFiresOnce(t *testing.T) {
	tr, rec, _ := newTracker(t)
	require.NoError(t, tr.SetBudget(standardBudget))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordUsage(context.Background(), "lyria", 10, "claude"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.count(core.EventBudgetWarning))
	assert.Equal(t, 1, rec.count(core.EventBudgetCritical))
	p, _ := tr.GuardianProfile("lyria")
	assert.Equal(t, int64(1000), p.TotalTokensUsed)
}
