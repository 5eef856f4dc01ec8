// Package guardian holds the canonical catalog of agent personas. Routing,
// classification and cost profiles all look personas up here so that gate,
// frequency and vault affinity stay consistent across components.
package guardian

import (
	"slices"
	"strings"

	"github.com/hupe1980/guardianmesh/core"
)

// Overseer is the persona that receives tasks no other guardian claims.
const Overseer = "shinkami"

// Info describes one guardian persona.
type Info struct {
	ID        string
	Name      string
	Gate      string
	Frequency int
	Element   string
	Godbeast  string
	// Vaults lists the categories this guardian prefers when classifying.
	Vaults []core.Category
	// Domains are the routing keywords matched against task text.
	Domains []string
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	c := i
	c.Vaults = slices.Clone(i.Vaults)
	c.Domains = slices.Clone(i.Domains)
	return c
}

var catalog = []Info{
	{
		ID: "lyssandria", Name: "Lyssandria", Gate: "Foundation", Frequency: 174, Element: "earth", Godbeast: "Kaelith",
		Vaults:  []core.Category{core.CategoryStrategic, core.CategoryTechnical},
		Domains: []string{"database", "schema", "migration", "infrastructure", "security", "deploy", "backend", "foundation", "stability", "storage"},
	},
	{
		ID: "leyla", Name: "Leyla", Gate: "Flow", Frequency: 285, Element: "water", Godbeast: "Veloura",
		Vaults:  []core.Category{core.CategoryCreative, core.CategoryOperational},
		Domains: []string{"design", "create", "creative", "artistic", "story", "emotion", "brainstorm", "ideation", "homepage", "flow"},
	},
	{
		ID: "draconia", Name: "Draconia", Gate: "Fire", Frequency: 396, Element: "fire", Godbeast: "Draconis",
		Vaults:  []core.Category{core.CategoryStrategic, core.CategoryTechnical},
		Domains: []string{"performance", "optimize", "optimization", "refactor", "speed", "execute", "transform", "latency", "throughput", "power"},
	},
	{
		ID: "maylinn", Name: "Maylinn", Gate: "Heart", Frequency: 417, Element: "water", Godbeast: "Laeylinn",
		Vaults:  []core.Category{core.CategoryCreative, core.CategoryWisdom},
		Domains: []string{"documentation", "communication", "empathy", "community", "healing", "accessibility", "relationship", "heart", "onboarding", "care"},
	},
	{
		ID: "alera", Name: "Alera", Gate: "Voice", Frequency: 528, Element: "wind", Godbeast: "Otome",
		Vaults:  []core.Category{core.CategoryCreative, core.CategoryWisdom},
		Domains: []string{"api", "interface", "endpoint", "voice", "expression", "naming", "truth", "contract", "public", "speak"},
	},
	{
		ID: "lyria", Name: "Lyria", Gate: "Sight", Frequency: 639, Element: "void", Godbeast: "Yumiko",
		Vaults:  []core.Category{core.CategoryWisdom, core.CategoryHorizon},
		Domains: []string{"debug", "investigate", "analyze", "crash", "bug", "vision", "insight", "intuition", "diagnose", "sight"},
	},
	{
		ID: "aiyami", Name: "Aiyami", Gate: "Crown", Frequency: 741, Element: "void", Godbeast: "Sol",
		Vaults:  []core.Category{core.CategoryWisdom, core.CategoryHorizon},
		Domains: []string{"crown", "enlightenment", "wisdom", "philosophy", "mastery", "knowledge", "principle", "teach", "mentor", "synthesis"},
	},
	{
		ID: "elara", Name: "Elara", Gate: "Shift", Frequency: 852, Element: "wind", Godbeast: "Thessara",
		Vaults:  []core.Category{core.CategoryStrategic, core.CategoryHorizon},
		Domains: []string{"shift", "perspective", "change", "transition", "reframe", "paradigm", "innovation", "invent", "pivot", "evolve"},
	},
	{
		ID: "ino", Name: "Ino", Gate: "Unity", Frequency: 963, Element: "earth", Godbeast: "Kyuro",
		Vaults:  []core.Category{core.CategoryOperational, core.CategoryCreative},
		Domains: []string{"merge", "integration", "collaborate", "unity", "partnership", "team", "sync", "connect", "pair", "consensus"},
	},
	{
		ID: "shinkami", Name: "Shinkami", Gate: "Source", Frequency: 1111, Element: "void", Godbeast: "Amaterasu",
		Vaults:  []core.Category{core.CategoryWisdom, core.CategoryHorizon},
		Domains: []string{"orchestrate", "meta", "oversee", "consciousness", "source", "coordinate", "purpose", "origin", "whole", "everything"},
	},
}

// Catalog returns a deep copy of all guardians in declaration order.
func Catalog() []Info {
	out := make([]Info, len(catalog))
	for i, g := range catalog {
		out[i] = g.Clone()
	}
	return out
}

// IDs returns every guardian id in declaration order.
func IDs() []string {
	ids := make([]string, len(catalog))
	for i, g := range catalog {
		ids[i] = g.ID
	}
	return ids
}

// Lookup finds a guardian by id, case-insensitively.
func Lookup(id string) (Info, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, g := range catalog {
		if g.ID == id {
			return g.Clone(), true
		}
	}
	return Info{}, false
}

// DisplayName returns the catalog name for id, or id with its first letter
// upper-cased when the id is not a known guardian.
func DisplayName(id string) string {
	if g, ok := Lookup(id); ok {
		return g.Name
	}
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}
