package swarm

import (
	"strings"
	"unicode"

	"github.com/aristath/swarm/internal/scheduler"
)

// Classifier picks the model tier for a task.
type Classifier interface {
	Classify(task *scheduler.Task) scheduler.Tier
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(task *scheduler.Task) scheduler.Tier

func (f ClassifierFunc) Classify(task *scheduler.Task) scheduler.Tier { return f(task) }

// Keywords lists the words that route a task to a tier. Builder has no list; it
// is the default.
type Keywords struct {
	Scout     []string `json:"scout" yaml:"scout"`
	Architect []string `json:"architect" yaml:"architect"`
}

// DefaultKeywords returns the built-in keyword lists.
func DefaultKeywords() Keywords {
	return Keywords{
		Scout: []string{
			"typo", "rename", "formatting", "comment", "docs", "readme",
			"documentation", "find", "search", "list", "locate", "lookup",
		},
		Architect: []string{
			"refactor", "redesign", "architect", "migrate", "migration", "rewrite",
			"overhaul", "restructure", "auth", "authentication", "security",
			"infra", "infrastructure", "schema", "database", "concurrency",
		},
	}
}

// DefaultLongDescription is the description length at which scout work is promoted to builder.
const DefaultLongDescription = 600

// KeywordClassifier matches keywords against the task name and description.
// Architect keywords win over scout keywords; unmatched tasks are builder work.
// A scout match on a description of at least longDescription characters is
// promoted to builder.
type KeywordClassifier struct {
	scout           []string
	architect       []string
	longDescription int
}

// NewKeywordClassifier builds a classifier. Empty lists fall back to the defaults;
// a non-positive longDescription uses DefaultLongDescription.
func NewKeywordClassifier(kw Keywords, longDescription int) *KeywordClassifier {
	def := DefaultKeywords()
	if len(kw.Scout) == 0 {
		kw.Scout = def.Scout
	}
	if len(kw.Architect) == 0 {
		kw.Architect = def.Architect
	}
	if longDescription <= 0 {
		longDescription = DefaultLongDescription
	}
	return &KeywordClassifier{
		scout:           lowerAll(kw.Scout),
		architect:       lowerAll(kw.Architect),
		longDescription: longDescription,
	}
}

// Classify returns the tier for task. It is deterministic.
func (c *KeywordClassifier) Classify(task *scheduler.Task) scheduler.Tier {
	text := strings.ToLower(task.Name + " " + task.Description)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	if matchAny(text, words, c.architect) {
		return scheduler.TierArchitect
	}
	if matchAny(text, words, c.scout) {
		if len(task.Description) >= c.longDescription {
			return scheduler.TierBuilder
		}
		return scheduler.TierScout
	}
	return scheduler.TierBuilder
}

var inflections = []string{"", "s", "es", "d", "ed", "ing", "er", "ers"}

// matchAny reports whether any word is a keyword or a simple inflection of one.
// Keywords containing a space are matched as phrases against the whole text.
func matchAny(text string, words, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(text, kw) {
				return true
			}
			continue
		}
		for _, w := range words {
			if !strings.HasPrefix(w, kw) {
				continue
			}
			for _, suffix := range inflections {
				if w == kw+suffix {
					return true
				}
			}
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
