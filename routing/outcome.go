package routing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hupe1980/guardianmesh/core"
)

// Result is the graded outcome of a routed task.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultPartial:
		return true
	}
	return false
}

// weight is the contribution of r to the success rate.
func (r Result) weight() float64 {
	switch r {
	case ResultSuccess:
		return 1
	case ResultPartial:
		return 0.5
	default:
		return 0
	}
}

// ParseResult converts a string to a Result.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", &core.ValidationError{Field: "result", Reason: fmt.Sprintf("unknown result %q", s)}
	}
	return r, nil
}

// OutcomeRecord is one entry of the append-only outcome log.
type OutcomeRecord struct {
	DecisionID string        `json:"decisionId"`
	AgentID    string        `json:"agentId"`
	Result     Result        `json:"result"`
	Reward     float64       `json:"reward"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (o OutcomeRecord) validate() error {
	if o.DecisionID == "" {
		return &core.ValidationError{Field: "decisionID", Reason: "must not be empty"}
	}
	if !o.Result.Valid() {
		return &core.ValidationError{Field: "result", Reason: fmt.Sprintf("unknown result %q", o.Result)}
	}
	return nil
}

func clampReward(r float64) float64 {
	switch {
	case math.IsNaN(r), r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
