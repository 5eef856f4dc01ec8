package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/guardianmesh/core"
)

// EntryBuilder provides a fluent helper for constructing entries in tests.
// Example:
//
//	e := NewEntryBuilder().Namespace("guardian:lyria").Content("insight").Tags("a").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EntryBuilder struct {
	e core.Entry
}

// NewEntryBuilder creates a builder with a fresh id, the operational
// category, medium confidence and a fixed creation time.
func NewEntryBuilder() *EntryBuilder {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &EntryBuilder{e: core.Entry{
		ID:         uuid.NewString(),
		Namespace:  "guardian:test",
		Category:   core.CategoryOperational,
		Content:    "content",
		Confidence: core.ConfidenceMedium,
		CreatedAt:  created,
		UpdatedAt:  created,
	}}
}

// ID overrides the generated id (chainable).
func (b *EntryBuilder) ID(id string) *EntryBuilder { b.e.ID = id; return b }

// Namespace sets the namespace (chainable).
func (b *EntryBuilder) Namespace(ns string) *EntryBuilder { b.e.Namespace = ns; return b }

// Category sets the category (chainable).
func (b *EntryBuilder) Category(c core.Category) *EntryBuilder { b.e.Category = c; return b }

// Content sets the text (chainable).
func (b *EntryBuilder) Content(s string) *EntryBuilder { b.e.Content = s; return b }

// Tags appends tags (chainable).
func (b *EntryBuilder) Tags(tags ...string) *EntryBuilder {
	b.e.Tags = append(b.e.Tags, tags...)
	return b
}

// Confidence sets the confidence level (chainable).
func (b *EntryBuilder) Confidence(c core.Confidence) *EntryBuilder { b.e.Confidence = c; return b }

// CreatedAt sets both timestamps (chainable).
func (b *EntryBuilder) CreatedAt(t time.Time) *EntryBuilder {
	b.e.CreatedAt = t
	b.e.UpdatedAt = t
	return b
}

// ExpiresAt sets an expiry (chainable).
func (b *EntryBuilder) ExpiresAt(t time.Time) *EntryBuilder { b.e.ExpiresAt = &t; return b }

// Meta sets one metadata key (chainable).
func (b *EntryBuilder) Meta(k, v string) *EntryBuilder {
	if b.e.Metadata == nil {
		b.e.Metadata = map[string]string{}
	}
	b.e.Metadata[k] = v
	return b
}

// Build returns a copy of the entry.
func (b *EntryBuilder) Build() core.Entry { return b.e.Clone() }
