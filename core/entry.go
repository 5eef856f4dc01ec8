package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category is the semantic vault an entry is filed under.
type Category string

const (
	// CategoryStrategic holds decisions, roadmaps and architecture.
	CategoryStrategic Category = "strategic"
	// CategoryTechnical holds code patterns, APIs and implementation notes.
	CategoryTechnical Category = "technical"
	// CategoryCreative holds voice, design and narrative material.
	CategoryCreative Category = "creative"
	// CategoryOperational holds current session state and progress.
	CategoryOperational Category = "operational"
	// CategoryWisdom holds cross-domain lessons and principles.
	CategoryWisdom Category = "wisdom"
	// CategoryHorizon is the append-only ledger of aspirations. Entries in it
	// are never updated or deleted.
	CategoryHorizon Category = "horizon"
)

// Categories returns every category in classification order.
func Categories() []Category {
	return []Category{
		CategoryStrategic,
		CategoryTechnical,
		CategoryCreative,
		CategoryOperational,
		CategoryWisdom,
		CategoryHorizon,
	}
}

// AppendOnly reports whether entries of this category form an append-only ledger.
func (c Category) AppendOnly() bool { return c == CategoryHorizon }

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return slices.Contains(Categories(), c) }

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
	}
	return c, nil
}

// Confidence is the ordinal trust level of an entry.
type Confidence string

const (
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVerified Confidence = "verified"
)

// Score maps the ordinal to a number in (0,1]. Unknown levels score 0.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceLow:
		return 0.25
	case ConfidenceMedium:
		return 0.5
	case ConfidenceHigh:
		return 0.75
	case ConfidenceVerified:
		return 1.0
	default:
		return 0
	}
}

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool { return c.Score() > 0 }

// ConfidenceFromScore buckets a numeric confidence into an ordinal level.
func ConfidenceFromScore(v float64) Confidence {
	switch {
	case v >= 0.95:
		return ConfidenceVerified
	case v >= 0.7:
		return ConfidenceHigh
	case v >= 0.45:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Entry is a unit of stored knowledge.
type Entry struct {
	ID         string            `json:"id" yaml:"id"`
	Namespace  string            `json:"namespace" yaml:"namespace"`
	Category   Category          `json:"category" yaml:"category"`
	Content    string            `json:"content" yaml:"-"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Confidence Confidence        `json:"confidence" yaml:"confidence"`
	CreatedAt  time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt" yaml:"updatedAt"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the fields every backend requires before mutating state.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(e.Namespace) == "" {
		return &ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	if strings.TrimSpace(e.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !e.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", e.Category)}
	}
	if e.Confidence != "" && !e.Confidence.Valid() {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("unknown confidence %q", e.Confidence)}
	}
	return nil
}

// Expired reports whether the entry carries an expiry that is not after now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// HasTags reports whether the entry carries every tag in tags.
func (e Entry) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(e.Tags, t) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can't mutate stored state.
func (e Entry) Clone() Entry {
	c := e
	if e.Tags != nil {
		c.Tags = slices.Clone(e.Tags)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// CheckOverwrite returns a ValidationError when a store would replace an
// existing append-only ledger entry.
func CheckOverwrite(existing Entry, found bool) error {
	if found && existing.Category.AppendOnly() {
		return &ValidationError{Field: "id", Reason: "ledger entry " + existing.ID + " is append-only"}
	}
	return nil
}

// CheckRemovable returns a ValidationError for append-only ledger entries.
func CheckRemovable(e Entry) error {
	if e.Category.AppendOnly() {
		return &ValidationError{Field: "id", Reason: "ledger entry " + e.ID + " cannot be removed"}
	}
	return nil
}
