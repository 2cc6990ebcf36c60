// Package digest turns a text blob into a searchable Digest: extracted
// patterns (regex/heuristic matches) and insights (short derived
// statements). Grounded on the teacher's internal/service/quality.Score,
// generalized from a single weighted-factor score into a set of
// independent heuristic extractors that each contribute patterns/insights
// rather than a scalar.
package digest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

var (
	todoPattern        = regexp.MustCompile(`(?i)\b(TODO|FIXME|HACK|XXX)\b`)
	errorHandlePattern = regexp.MustCompile(`(?i)\b(try|catch|except|recover|errors\.Is|errors\.As)\b`)
	numberPattern      = regexp.MustCompile(`\b\d+(\.\d+)?%?\b`)
)

// Service extracts patterns/insights from content and persists the result.
type Service struct {
	store storage.Persistence
}

// New constructs a Service.
func New(store storage.Persistence) *Service {
	return &Service{store: store}
}

// Digest analyzes content, stores the resulting Digest via
// Persistence.StoreKnowledge, and returns it with its assigned id.
func (s *Service) Digest(ctx context.Context, content, source, itemType string) (model.Digest, error) {
	if strings.TrimSpace(content) == "" {
		return model.Digest{}, fmt.Errorf("digest: content is required")
	}

	d := model.Digest{
		Source:   source,
		Type:     itemType,
		Content:  content,
		Patterns: extractPatterns(content),
		Insights: extractInsights(content),
	}

	id, err := s.store.StoreKnowledge(ctx, d)
	if err != nil {
		return model.Digest{}, fmt.Errorf("digest: store: %w", err)
	}
	d.ID = id
	return d, nil
}

// extractPatterns scans content for a fixed set of structural markers:
// TODO-style comments, error-handling idioms, and repeated phrases.
func extractPatterns(content string) []string {
	var patterns []string
	if todoPattern.MatchString(content) {
		patterns = append(patterns, "todo-marker")
	}
	if errorHandlePattern.MatchString(content) {
		patterns = append(patterns, "error-handling-idiom")
	}
	if repeated := mostRepeatedPhrase(content); repeated != "" {
		patterns = append(patterns, fmt.Sprintf("repeated-phrase:%s", repeated))
	}
	if numberPattern.MatchString(content) {
		patterns = append(patterns, "quantified-claim")
	}
	return patterns
}

// extractInsights derives short, human-readable statements about content's
// shape: length, structure, and density of quantified claims.
func extractInsights(content string) []string {
	var insights []string

	words := strings.Fields(content)
	switch {
	case len(words) < 20:
		insights = append(insights, "content is brief, likely a fragment rather than a complete statement")
	case len(words) > 500:
		insights = append(insights, "content is long-form; consider whether it should be split into smaller items")
	}

	lines := strings.Split(content, "\n")
	bulleted := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "-") || strings.HasPrefix(t, "*") || strings.HasPrefix(t, "1.") {
			bulleted++
		}
	}
	if bulleted >= 3 {
		insights = append(insights, "content uses list structure, suggesting an enumerated set of points")
	}

	if n := len(numberPattern.FindAllString(content, -1)); n >= 3 {
		insights = append(insights, fmt.Sprintf("content makes %d quantified claims", n))
	}

	return insights
}

// mostRepeatedPhrase returns the most common 3+ character word appearing
// more than twice, or "" if none does. A simple, deterministic repetition
// signal rather than full n-gram analysis.
func mostRepeatedPhrase(content string) string {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 3 {
			continue
		}
		counts[w]++
	}
	best, bestCount := "", 2 // require strictly more than 2 occurrences
	for w, c := range counts {
		if c > bestCount || (c == bestCount && w < best) {
			best, bestCount = w, c
		}
	}
	return best
}

// Search full-text searches stored digests only; the combined search over
// judgments and digests is internal/search.Service.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]model.Digest, error) {
	return s.store.SearchKnowledge(ctx, query, storage.SearchOptions{Limit: limit})
}
