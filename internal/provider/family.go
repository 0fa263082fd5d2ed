// Package provider classifies model ids into provider families and holds the
// adapter configured for each family.
package provider

import "strings"

// Family is a class of providers sharing one integration shape.
type Family string

const (
	FamilyGPT          Family = "gpt"
	FamilyClaude       Family = "claude"
	FamilyGemini       Family = "gemini"
	FamilyGrok         Family = "grok"
	FamilyDeepSeek     Family = "deepseek"
	FamilyPerplexity   Family = "perplexity"
	FamilyUnrecognized Family = "unrecognized"
)

// Families lists every known family in classification order.
func Families() []Family {
	return []Family{FamilyGPT, FamilyClaude, FamilyGemini, FamilyGrok, FamilyDeepSeek, FamilyPerplexity}
}

// ParseFamily maps a configuration key onto a known family.
func ParseFamily(name string) (Family, bool) {
	f := Family(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Families() {
		if f == known {
			return f, true
		}
	}
	return FamilyUnrecognized, false
}

// Shape is how a family delivers its reply.
type Shape string

const (
	ShapeStream     Shape = "stream"
	ShapeSingleShot Shape = "single_shot"
)

type rule struct {
	family Family
	match  func(model string) bool
}

func contains(parts ...string) func(string) bool {
	return func(model string) bool {
		for _, part := range parts {
			if strings.Contains(model, part) {
				return true
			}
		}
		return false
	}
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{FamilyGPT, func(m string) bool { return strings.Contains(m, "gpt") || strings.HasPrefix(m, "o") }},
	{FamilyClaude, contains("claude")},
	{FamilyGemini, contains("gemini")},
	{FamilyGrok, contains("grok")},
	{FamilyDeepSeek, contains("deepseek")},
	{FamilyPerplexity, contains("perplexity", "sonar")},
}

// Classify returns the family serving model.
func Classify(model string) Family {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if normalized == "" {
		return FamilyUnrecognized
	}
	for _, r := range rules {
		if r.match(normalized) {
			return r.family
		}
	}
	return FamilyUnrecognized
}
