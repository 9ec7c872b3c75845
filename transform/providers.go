package transform

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Ellipsis marks a truncated summary.
const Ellipsis = "..."

// SummarizeProvider truncates the stringified payload to params["maxLength"]
// characters, appending Ellipsis only when something was cut.
type SummarizeProvider struct {
	DefaultMaxLength int
}

// Transform implements the Provider interface.
func (p SummarizeProvider) Transform(_ context.Context, params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	maxLength := intParam(params, "maxLength", p.DefaultMaxLength)
	text := []rune(stringify(input))

	summary := string(text)
	if maxLength >= 0 && len(text) > maxLength {
		summary = string(text[:maxLength]) + Ellipsis
	}
	return map[string]interface{}{
		"summary":        summary,
		"originalLength": len(text),
	}, nil
}

// DefaultStopWords are skipped by the keyword extractor.
var DefaultStopWords = []string{
	"about", "been", "from", "have", "into", "that", "than", "them", "then",
	"there", "their", "they", "this", "were", "what", "when", "which", "will",
	"with", "would", "your", "true", "false", "null",
}

var wordPattern = regexp.MustCompile(`\w+`)

// KeywordProvider collects lower-cased tokens of at least MinLength characters,
// drops stop words and returns the Limit most frequent, ties broken by first
// appearance.
type KeywordProvider struct {
	Limit     int
	MinLength int
	StopWords []string
}

// Transform implements the Provider interface.
func (p KeywordProvider) Transform(_ context.Context, params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	limit := intParam(params, "limit", p.Limit)
	stop := make(map[string]struct{}, len(p.StopWords))
	for _, w := range p.StopWords {
		stop[w] = struct{}{}
	}

	type entry struct {
		word  string
		count int
		first int
	}
	counts := make(map[string]*entry)
	var order []*entry
	for i, tok := range wordPattern.FindAllString(strings.ToLower(stringify(input)), -1) {
		if len(tok) < p.MinLength {
			continue
		}
		if _, skip := stop[tok]; skip {
			continue
		}
		if e, ok := counts[tok]; ok {
			e.count++
			continue
		}
		e := &entry{word: tok, count: 1, first: i}
		counts[tok] = e
		order = append(order, e)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})
	if limit >= 0 && len(order) > limit {
		order = order[:limit]
	}

	keywords := make([]interface{}, len(order))
	for i, e := range order {
		keywords[i] = e.word
	}
	return map[string]interface{}{"keywords": keywords}, nil
}

// Category maps a label to the substrings that select it.
type Category struct {
	Name     string
	Keywords []string
}

// Classifier assigns the first category whose keyword appears in the
// lower-cased payload, or Fallback. Confidence is reported as given.
type Classifier struct {
	Categories []Category
	Fallback   string
	Confidence float64
}

// DefaultClassifier returns the urgent/error/success heuristic.
func DefaultClassifier() Classifier {
	return Classifier{
		Categories: []Category{
			{Name: "urgent", Keywords: []string{"urgent", "important"}},
			{Name: "error", Keywords: []string{"error", "failed"}},
			{Name: "success", Keywords: []string{"success", "completed"}},
		},
		Fallback:   "general",
		Confidence: 0.85,
	}
}

// Transform implements the Provider interface.
func (c Classifier) Transform(_ context.Context, _ map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	text := strings.ToLower(stringify(input))
	category := c.Fallback
outer:
	for _, cat := range c.Categories {
		for _, kw := range cat.Keywords {
			if strings.Contains(text, kw) {
				category = cat.Name
				break outer
			}
		}
	}
	return map[string]interface{}{
		"category":   category,
		"confidence": c.Confidence,
	}, nil
}
