package namespace

import (
	"fmt"
	"time"

	"github.com/hupe1980/guardianmesh/core"
)

// PolicyKind selects how long entries of a namespace live.
type PolicyKind string

const (
	// PolicyPermanent entries never expire.
	PolicyPermanent PolicyKind = "permanent"
	// PolicySession entries live until CloseSession.
	PolicySession PolicyKind = "session"
	// PolicyTTL entries expire TTL after creation.
	PolicyTTL PolicyKind = "ttl"
)

// Policy is a retention policy.
type Policy struct {
	Kind PolicyKind    `json:"kind"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

// Permanent returns the permanent policy.
func Permanent() Policy { return Policy{Kind: PolicyPermanent} }

// Session returns the session policy.
func Session() Policy { return Policy{Kind: PolicySession} }

// TTL returns a policy that expires entries d after creation.
func TTL(d time.Duration) Policy { return Policy{Kind: PolicyTTL, TTL: d} }

// ParsePolicy builds a policy from its configuration form.
func ParsePolicy(kind string, ttl time.Duration) (Policy, error) {
	p := Policy{Kind: PolicyKind(kind)}
	if p.Kind == PolicyTTL {
		p.TTL = ttl
	}
	return p, p.Validate()
}

// Validate checks the kind and, for ttl, a positive duration.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyPermanent, PolicySession:
		return nil
	case PolicyTTL:
		if p.TTL <= 0 {
			return &core.ValidationError{Field: "ttl", Reason: "must be positive"}
		}
		return nil
	default:
		return &core.ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown retention policy %q", p.Kind)}
	}
}

func (p Policy) String() string {
	if p.Kind == PolicyTTL {
		return fmt.Sprintf("ttl(%s)", p.TTL)
	}
	return string(p.Kind)
}
