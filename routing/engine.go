// Package routing assigns tasks to guardians by domain keywords and learned
// performance, and keeps the outcome log that the performance is learned from.
package routing

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/guardian"
	"github.com/hupe1980/guardianmesh/logging"
)

const (
	keywordPoints      = 10.0
	successRatePoints  = 5.0
	rewardPoints       = 2.0
	lowRatePenalty     = 3.0
	lowRateCutoff      = 0.3
	lowRateMinOutcomes = 3
	// confidenceSlack is added to the keyword maximum when normalizing a
	// score: it covers the success rate and reward points.
	confidenceSlack    = successRatePoints + rewardPoints
	historyBonus       = 0.2
	historyMinOutcomes = 5
	maxAlternatives    = 3
)

// Options configures an Engine.
type Options struct {
	// Profiles are the routable guardians in declaration order. Defaults to
	// guardian.Catalog().
	Profiles []guardian.Info
	// Overseer receives tasks that no guardian scores above zero.
	Overseer string
	// FallbackConfidence is reported for overseer fallbacks. Default 0.1.
	FallbackConfidence float64
	// RecentWindow is the number of outcomes averaged for the reward term.
	RecentWindow int

	Logger     logging.Logger
	Dispatcher *core.Dispatcher
	Now        func() time.Time
}

// Profile is the routing state of one guardian.
type Profile struct {
	Guardian    guardian.Info   `json:"guardian"`
	Domains     []string        `json:"domains"`
	SuccessRate float64         `json:"successRate"`
	Recent      []OutcomeRecord `json:"recent"`
	AvgLatency  time.Duration   `json:"avgLatency"`
	TotalTasks  int             `json:"totalTasks"`

	weightSum  float64
	latencySum time.Duration
}

func (p *Profile) clone() Profile {
	c := *p
	c.Guardian = p.Guardian.Clone()
	c.Domains = slices.Clone(p.Domains)
	c.Recent = slices.Clone(p.Recent)
	return c
}

func (p *Profile) meanRecentReward() float64 {
	if len(p.Recent) == 0 {
		return 0
	}
	var sum float64
	for _, o := range p.Recent {
		sum += o.Reward
	}
	return sum / float64(len(p.Recent))
}

// Alternative is a runner-up of a routing decision.
type Alternative struct {
	AgentID    string  `json:"agentId"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Decision is the result of Route.
type Decision struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	AgentID      string        `json:"agentId"`
	AgentName    string        `json:"agentName"`
	Gate         string        `json:"gate"`
	Frequency    int           `json:"frequency"`
	Score        float64       `json:"score"`
	Confidence   float64       `json:"confidence"`
	Matched      []string      `json:"matched,omitempty"`
	Reasoning    string        `json:"reasoning"`
	Fallback     bool          `json:"fallback"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Latency      time.Duration `json:"latency"`
	Time         time.Time     `json:"time"`
}

// RouteContext restricts the guardians considered for one task.
type RouteContext struct {
	// Candidates limits routing to these ids; empty means every profile.
	Candidates []string
	// Exclude removes ids from consideration.
	Exclude []string
}

// Stats summarizes routing activity.
type Stats struct {
	TotalRoutes      int64         `json:"totalRoutes"`
	AvgLatency       time.Duration `json:"avgLatency"`
	AvgConfidence    float64       `json:"avgConfidence"`
	OutcomesRecorded int           `json:"outcomesRecorded"`
	Fallbacks        int64         `json:"fallbacks"`
}

// routeLogger is implemented by logging.MeshLogger.
type routeLogger interface {
	LogRoute(agent string, confidence float64, fallback bool)
}

// Engine is the routing engine. It is safe for concurrent use.
type Engine struct {
	overseer     string
	fallbackConf float64
	window       int
	logger       logging.Logger
	events       *core.Dispatcher
	now          func() time.Time

	mu        sync.RWMutex
	order     []string
	profiles  map[string]*Profile
	initial   map[string]guardian.Info
	outcomes  []OutcomeRecord
	routes    int64
	fallbacks int64
	latency   time.Duration
	confSum   float64
}

// New creates an engine.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Overseer:           guardian.Overseer,
		FallbackConfidence: 0.1,
		RecentWindow:       10,
		Logger:             logging.NoOpLogger{},
		Now:                time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Profiles == nil {
		opts.Profiles = guardian.Catalog()
	}
	switch {
	case len(opts.Profiles) == 0:
		return nil, &core.ValidationError{Field: "profiles", Reason: "must not be empty"}
	case opts.RecentWindow <= 0:
		return nil, &core.ValidationError{Field: "recentWindow", Reason: "must be positive"}
	case opts.FallbackConfidence < 0 || opts.FallbackConfidence > 1:
		return nil, &core.ValidationError{Field: "fallbackConfidence", Reason: "must be within [0,1]"}
	}

	e := &Engine{
		overseer:     strings.ToLower(opts.Overseer),
		fallbackConf: opts.FallbackConfidence,
		window:       opts.RecentWindow,
		logger:       opts.Logger,
		events:       opts.Dispatcher,
		now:          opts.Now,
		profiles:     make(map[string]*Profile, len(opts.Profiles)),
		initial:      make(map[string]guardian.Info, len(opts.Profiles)),
	}
	for _, g := range opts.Profiles {
		g = g.Clone()
		g.ID = strings.ToLower(strings.TrimSpace(g.ID))
		if g.ID == "" {
			return nil, &core.ValidationError{Field: "profiles", Reason: "guardian id must not be empty"}
		}
		if _, dup := e.profiles[g.ID]; dup {
			return nil, &core.ValidationError{Field: "profiles", Reason: fmt.Sprintf("duplicate guardian %q", g.ID)}
		}
		e.order = append(e.order, g.ID)
		e.initial[g.ID] = g
		e.profiles[g.ID] = newProfile(g)
	}
	if _, ok := e.profiles[e.overseer]; !ok {
		return nil, &core.ValidationError{Field: "overseer", Reason: fmt.Sprintf("unknown guardian %q", opts.Overseer)}
	}
	return e, nil
}

func newProfile(g guardian.Info) *Profile {
	domains := make([]string, len(g.Domains))
	for i, d := range g.Domains {
		domains[i] = strings.ToLower(d)
	}
	return &Profile{Guardian: g.Clone(), Domains: domains}
}

type scored struct {
	id      string
	score   float64
	conf    float64
	matched []string
}

func (e *Engine) score(p *Profile, task string) scored {
	s := scored{id: p.Guardian.ID}
	for _, d := range p.Domains {
		if d != "" && strings.Contains(task, d) && !slices.Contains(s.matched, d) {
			s.matched = append(s.matched, d)
		}
	}
	s.score = keywordPoints * float64(len(s.matched))
	if p.TotalTasks >= 1 {
		s.score += successRatePoints * p.SuccessRate
	}
	s.score += rewardPoints * p.meanRecentReward()
	if p.TotalTasks >= lowRateMinOutcomes && p.SuccessRate < lowRateCutoff {
		s.score -= lowRatePenalty
	}

	conf := s.score / (keywordPoints*float64(len(p.Domains)) + confidenceSlack)
	if p.TotalTasks >= historyMinOutcomes {
		conf += historyBonus * p.SuccessRate
	}
	s.conf = min(max(conf, 0), 1)
	return s
}

// Route picks the guardian for task. It never fails: when no guardian
// scores above zero the overseer takes the task.
func (e *Engine) Route(ctx context.Context, task string, rc RouteContext) Decision {
	start := e.now()
	text := strings.ToLower(task)

	e.mu.RLock()
	var ranked []scored
	for _, id := range e.order {
		if !e.eligible(id, rc) {
			continue
		}
		ranked = append(ranked, e.score(e.profiles[id], text))
	}
	e.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	d := Decision{ID: uuid.NewString(), Task: task, Time: start}
	if len(ranked) == 0 || ranked[0].score <= 0 {
		d.AgentID = e.overseer
		d.Confidence = e.fallbackConf
		d.Fallback = true
	} else {
		best := ranked[0]
		d.AgentID = best.id
		d.Score = best.score
		d.Confidence = best.conf
		d.Matched = best.matched
		for _, alt := range ranked[1:] {
			if len(d.Alternatives) == maxAlternatives || alt.score <= 0 {
				break
			}
			d.Alternatives = append(d.Alternatives, Alternative{AgentID: alt.id, Score: alt.score, Confidence: alt.conf})
		}
	}

	e.mu.Lock()
	info := e.profiles[d.AgentID].Guardian
	d.Latency = e.now().Sub(start)
	e.routes++
	e.latency += d.Latency
	e.confSum += d.Confidence
	if d.Fallback {
		e.fallbacks++
	}
	e.mu.Unlock()

	d.AgentName = info.Name
	d.Gate = info.Gate
	d.Frequency = info.Frequency
	d.Reasoning = reasoning(info, d)

	if rl, ok := e.logger.(routeLogger); ok {
		rl.LogRoute(d.AgentID, d.Confidence, d.Fallback)
	} else {
		e.logger.Debug("task routed", "agent", d.AgentID, "confidence", d.Confidence, "fallback", d.Fallback)
	}
	e.events.Emit(ctx, core.Event{
		Type:    core.EventGuardianRouted,
		AgentID: d.AgentID,
		Time:    start,
		Data: map[string]any{
			"decisionId": d.ID,
			"score":      d.Score,
			"confidence": d.Confidence,
			"fallback":   d.Fallback,
			"matched":    slices.Clone(d.Matched),
		},
	})
	return d
}

func (e *Engine) eligible(id string, rc RouteContext) bool {
	if slices.ContainsFunc(rc.Exclude, func(x string) bool { return strings.EqualFold(x, id) }) {
		return false
	}
	if len(rc.Candidates) == 0 {
		return true
	}
	return slices.ContainsFunc(rc.Candidates, func(x string) bool { return strings.EqualFold(x, id) })
}

func reasoning(g guardian.Info, d Decision) string {
	switch {
	case d.Fallback:
		return fmt.Sprintf("No guardian claimed the task; routing to %s (%s gate) as overseer.", g.Name, g.Gate)
	case d.Confidence > 0.7:
		return fmt.Sprintf("Strong match for %s (%s gate): %s.", g.Name, g.Gate, strings.Join(d.Matched, ", "))
	case d.Confidence > 0.3:
		return fmt.Sprintf("%s is the best fit for this task (%s gate).", g.Name, g.Gate)
	case len(d.Matched) == 0:
		return fmt.Sprintf("%s chosen on track record alone; no domain keywords matched.", g.Name)
	default:
		return fmt.Sprintf("%s matched %s; consider being more specific about the intent.", g.Name, strings.Join(d.Matched, ", "))
	}
}

// RecordOutcome appends the outcome of a routed task and updates the
// guardian's profile. Rewards are clamped to [0,1]; latency is measured from
// the decision time.
func (e *Engine) RecordOutcome(ctx context.Context, d Decision, result Result, reward float64) error {
	now := e.now()
	rec := OutcomeRecord{
		DecisionID: d.ID,
		AgentID:    strings.ToLower(d.AgentID),
		Result:     result,
		Reward:     clampReward(reward),
		Latency:    max(now.Sub(d.Time), 0),
		Timestamp:  now,
	}
	if err := rec.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	p, ok := e.profiles[rec.AgentID]
	if !ok {
		e.mu.Unlock()
		return &core.ValidationError{Field: "agentID", Reason: fmt.Sprintf("unknown guardian %q", d.AgentID)}
	}
	e.apply(p, rec)
	e.outcomes = append(e.outcomes, rec)
	rate := p.SuccessRate
	e.mu.Unlock()

	e.logger.Debug("outcome recorded", "agent", rec.AgentID, "result", string(result), "reward", rec.Reward, "success_rate", rate)
	e.events.Emit(ctx, core.Event{
		Type:    core.EventOutcomeRecorded,
		AgentID: rec.AgentID,
		Time:    now,
		Data: map[string]any{
			"decisionId":  rec.DecisionID,
			"result":      string(rec.Result),
			"reward":      rec.Reward,
			"successRate": rate,
		},
	})
	return nil
}

func (e *Engine) apply(p *Profile, rec OutcomeRecord) {
	p.TotalTasks++
	p.weightSum += rec.Result.weight()
	p.SuccessRate = p.weightSum / float64(p.TotalTasks)
	p.latencySum += rec.Latency
	p.AvgLatency = p.latencySum / time.Duration(p.TotalTasks)
	p.Recent = append(p.Recent, rec)
	if len(p.Recent) > e.window {
		p.Recent = slices.Clone(p.Recent[len(p.Recent)-e.window:])
	}
}

// Replay discards all learned state and rebuilds it from records, in order.
// The log is validated first; on error nothing changes.
func (e *Engine) Replay(records []OutcomeRecord) error {
	for i, rec := range records {
		if err := rec.validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rec := range records {
		if _, ok := e.profiles[strings.ToLower(rec.AgentID)]; !ok {
			return fmt.Errorf("record %d: %w", i, &core.ValidationError{Field: "agentID", Reason: fmt.Sprintf("unknown guardian %q", rec.AgentID)})
		}
	}

	for id, g := range e.initial {
		e.profiles[id] = newProfile(g)
	}
	e.outcomes = make([]OutcomeRecord, 0, len(records))
	for _, rec := range records {
		rec.AgentID = strings.ToLower(rec.AgentID)
		rec.Reward = clampReward(rec.Reward)
		e.apply(e.profiles[rec.AgentID], rec)
		e.outcomes = append(e.outcomes, rec)
	}
	return nil
}

// Outcomes returns a copy of the outcome log.
func (e *Engine) Outcomes() []OutcomeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.outcomes)
}

// Profile returns a deep copy of the profile for id.
func (e *Engine) Profile(id string) (Profile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Profiles returns deep copies of every profile in declaration order.
func (e *Engine) Profiles() []Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Profile, len(e.order))
	for i, id := range e.order {
		out[i] = e.profiles[id].clone()
	}
	return out
}

// Stats returns routing counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		TotalRoutes:      e.routes,
		OutcomesRecorded: len(e.outcomes),
		Fallbacks:        e.fallbacks,
	}
	if e.routes > 0 {
		st.AvgLatency = e.latency / time.Duration(e.routes)
		st.AvgConfidence = e.confSum / float64(e.routes)
	}
	return st
}
