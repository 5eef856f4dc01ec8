// Package cost accounts token usage per guardian, prices it per model and
// watches a global token budget. Budget crossings are reported as events,
// never as errors.
package cost

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/guardian"
	"github.com/hupe1980/guardianmesh/logging"
)

// Budget is a global token budget with two alert ratios.
type Budget struct {
	TotalBudget       int64   `json:"totalBudget"`
	Used              int64   `json:"used"`
	WarningThreshold  float64 `json:"warningThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
}

// Validate checks the ratios and counts.
func (b Budget) Validate() error {
	switch {
	case b.TotalBudget < 0:
		return &core.ValidationError{Field: "totalBudget", Reason: "must not be negative"}
	case b.Used < 0:
		return &core.ValidationError{Field: "used", Reason: "must not be negative"}
	case b.WarningThreshold <= 0 || b.WarningThreshold > 1:
		return &core.ValidationError{Field: "warningThreshold", Reason: "must be within (0,1]"}
	case b.CriticalThreshold <= 0 || b.CriticalThreshold > 1:
		return &core.ValidationError{Field: "criticalThreshold", Reason: "must be within (0,1]"}
	case b.WarningThreshold > b.CriticalThreshold:
		return &core.ValidationError{Field: "warningThreshold", Reason: "must not exceed criticalThreshold"}
	}
	return nil
}

// Level grades budget consumption.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// BudgetStatus is a snapshot of the budget.
type BudgetStatus struct {
	TotalBudget   int64   `json:"totalBudget"`
	Used          int64   `json:"used"`
	Remaining     int64   `json:"remaining"`
	Ratio         float64 `json:"ratio"`
	WarningFired  bool    `json:"warningFired"`
	CriticalFired bool    `json:"criticalFired"`
	Level         Level   `json:"level"`
}

// Usage is the running record of one agent. Totals only grow until Reset.
type Usage struct {
	AgentID     string           `json:"agentId"`
	TotalTokens int64            `json:"totalTokens"`
	CallCount   int64            `json:"callCount"`
	TotalCost   float64          `json:"totalCost"`
	Models      map[string]int64 `json:"models"`
	FirstSeen   time.Time        `json:"firstSeen"`
	LastSeen    time.Time        `json:"lastSeen"`
}

// Profile is a Usage enriched with catalog data.
type Profile struct {
	AgentID          string           `json:"guardianId"`
	Name             string           `json:"guardianName"`
	Gate             string           `json:"gate,omitempty"`
	Frequency        int              `json:"frequency,omitempty"`
	TotalTokensUsed  int64            `json:"totalTokensUsed"`
	CallCount        int64            `json:"callCount"`
	AvgTokensPerCall float64          `json:"avgTokensPerCall"`
	CostEstimate     float64          `json:"costEstimate"`
	Models           map[string]int64 `json:"models"`
	FirstSeen        time.Time        `json:"firstSeen"`
	LastSeen         time.Time        `json:"lastSeen"`
}

// Summary aggregates every agent.
type Summary struct {
	TotalTokens int64         `json:"totalTokens"`
	TotalCalls  int64         `json:"totalCalls"`
	TotalCost   float64       `json:"totalCost"`
	Profiles    []Profile     `json:"guardianProfiles"`
	Budget      *BudgetStatus `json:"budget,omitempty"`
}

// Options configures a Tracker.
type Options struct {
	// Budget is installed as if SetBudget had been called.
	Budget *Budget

	Logger     logging.Logger
	Dispatcher *core.Dispatcher
	Now        func() time.Time
}

type budgetState struct {
	Budget
	warned   bool
	critical bool
}

// usageLogger is implemented by logging.MeshLogger.
type usageLogger interface {
	LogUsage(agent, model string, tokens int64, cost float64)
}

// Tracker is the cost tracker. It is safe for concurrent use.
type Tracker struct {
	logger logging.Logger
	events *core.Dispatcher
	now    func() time.Time

	mu          sync.Mutex
	usage       map[string]*Usage
	totalTokens int64
	totalCalls  int64
	totalCost   float64
	budget      *budgetState
}

// New creates a tracker.
func New(optFns ...func(o *Options)) (*Tracker, error) {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	t := &Tracker{
		logger: opts.Logger,
		events: opts.Dispatcher,
		now:    opts.Now,
		usage:  make(map[string]*Usage),
	}
	if opts.Budget != nil {
		if err := t.SetBudget(*opts.Budget); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RecordUsage adds tokens spent by agentID on model. Negative token counts
// are recorded as zero. Crossing a budget threshold emits the matching event
// once per SetBudget.
func (t *Tracker) RecordUsage(ctx context.Context, agentID string, tokens int64, model string) error {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	if agentID == "" {
		return &core.ValidationError{Field: "agentID", Reason: "must not be empty"}
	}
	if tokens < 0 {
		tokens = 0
	}
	model = strings.ToLower(strings.TrimSpace(model))
	cost := float64(tokens) * PerToken(model)
	now := t.now()

	t.mu.Lock()
	u, ok := t.usage[agentID]
	if !ok {
		u = &Usage{AgentID: agentID, Models: make(map[string]int64), FirstSeen: now}
		t.usage[agentID] = u
	}
	u.TotalTokens += tokens
	u.CallCount++
	u.TotalCost += cost
	u.Models[model] += tokens
	u.LastSeen = now
	agentTotal := u.TotalTokens

	t.totalTokens += tokens
	t.totalCalls++
	t.totalCost += cost

	var fireWarning, fireCritical bool
	var status BudgetStatus
	hasBudget := t.budget != nil
	if b := t.budget; b != nil {
		b.Used += tokens
		if ratio := b.status().Ratio; b.TotalBudget > 0 {
			if !b.warned && ratio >= b.WarningThreshold {
				b.warned, fireWarning = true, true
			}
			if !b.critical && ratio >= b.CriticalThreshold {
				b.critical, fireCritical = true, true
			}
		}
		status = b.status()
	}
	t.mu.Unlock()

	if ul, ok := t.logger.(usageLogger); ok {
		ul.LogUsage(agentID, model, tokens, cost)
	} else {
		t.logger.Debug("usage recorded", "agent", agentID, "model", model, "tokens", tokens, "cost_usd", cost)
	}
	if !Known(model) {
		t.logger.Debug("unknown model priced at default rate", "model", model)
	}

	data := map[string]any{"tokens": tokens, "model": model, "cost": cost, "agentTotalTokens": agentTotal}
	if hasBudget {
		data["budgetRatio"] = status.Ratio
	}
	t.events.Emit(ctx, core.Event{
		Type:    core.EventUsageRecorded,
		AgentID: agentID,
		Time:    now,
		Data:    data,
	})
	if fireWarning {
		t.logger.Warn("budget warning threshold crossed", "ratio", status.Ratio, "used", status.Used, "total", status.TotalBudget)
		t.emitBudget(ctx, core.EventBudgetWarning, agentID, now, status)
	}
	if fireCritical {
		t.logger.Error("budget critical threshold crossed", "ratio", status.Ratio, "used", status.Used, "total", status.TotalBudget)
		t.emitBudget(ctx, core.EventBudgetCritical, agentID, now, status)
	}
	return nil
}

func (t *Tracker) emitBudget(ctx context.Context, typ core.EventType, agentID string, now time.Time, st BudgetStatus) {
	t.events.Emit(ctx, core.Event{
		Type:    typ,
		AgentID: agentID,
		Time:    now,
		Data: map[string]any{
			"ratio":     st.Ratio,
			"used":      st.Used,
			"remaining": st.Remaining,
			"total":     st.TotalBudget,
		},
	})
}

func (b *budgetState) status() BudgetStatus {
	st := BudgetStatus{
		TotalBudget:   b.TotalBudget,
		Used:          b.Used,
		Remaining:     max(b.TotalBudget-b.Used, 0),
		WarningFired:  b.warned,
		CriticalFired: b.critical,
		Level:         LevelOK,
	}
	if b.TotalBudget > 0 {
		st.Ratio = float64(b.Used) / float64(b.TotalBudget)
		switch {
		case st.Ratio >= b.CriticalThreshold:
			st.Level = LevelCritical
		case st.Ratio >= b.WarningThreshold:
			st.Level = LevelWarning
		}
	}
	return st
}

// SetBudget installs b and rearms both alerts.
func (t *Tracker) SetBudget(b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = &budgetState{Budget: b}
	return nil
}

// BudgetStatus reports the budget, or false when none is set.
func (t *Tracker) BudgetStatus() (BudgetStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget == nil {
		return BudgetStatus{}, false
	}
	return t.budget.status(), true
}

// Usage returns a copy of the raw record for agentID.
func (t *Tracker) Usage(agentID string) (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[strings.ToLower(strings.TrimSpace(agentID))]
	if !ok {
		return Usage{}, false
	}
	c := *u
	c.Models = maps.Clone(u.Models)
	return c, true
}

// GuardianProfile returns the profile of agentID, or false when the agent
// never recorded usage.
func (t *Tracker) GuardianProfile(agentID string) (Profile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[strings.ToLower(strings.TrimSpace(agentID))]
	if !ok {
		return Profile{}, false
	}
	return profileOf(u), true
}

func profileOf(u *Usage) Profile {
	p := Profile{
		AgentID:         u.AgentID,
		Name:            guardian.DisplayName(u.AgentID),
		TotalTokensUsed: u.TotalTokens,
		CallCount:       u.CallCount,
		CostEstimate:    u.TotalCost,
		Models:          maps.Clone(u.Models),
		FirstSeen:       u.FirstSeen,
		LastSeen:        u.LastSeen,
	}
	if g, ok := guardian.Lookup(u.AgentID); ok {
		p.Gate = g.Gate
		p.Frequency = g.Frequency
	}
	if u.CallCount > 0 {
		p.AvgTokensPerCall = float64(u.TotalTokens) / float64(u.CallCount)
	}
	return p
}

// AllProfiles returns every profile, most tokens first and then by id.
func (t *Tracker) AllProfiles() []Profile {
	t.mu.Lock()
	out := make([]Profile, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, profileOf(u))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokensUsed != out[j].TotalTokensUsed {
			return out[i].TotalTokensUsed > out[j].TotalTokensUsed
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Summary aggregates totals, profiles and the budget.
func (t *Tracker) Summary() Summary {
	profiles := t.AllProfiles()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		TotalTokens: t.totalTokens,
		TotalCalls:  t.totalCalls,
		TotalCost:   t.totalCost,
		Profiles:    profiles,
	}
	if t.budget != nil {
		st := t.budget.status()
		s.Budget = &st
	}
	return s
}

// Reset forgets all usage and removes the budget.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = make(map[string]*Usage)
	t.totalTokens, t.totalCalls, t.totalCost = 0, 0, 0
	t.budget = nil
}
