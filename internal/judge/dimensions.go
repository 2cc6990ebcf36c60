package judge

import (
	"strings"
	"unicode"

	"github.com/hantei-ai/hantei/internal/model"
)

// dimensionScorer computes one raw dimension score in [0,1] from an item.
// Grounded on the teacher's internal/service/quality.Score: tiered,
// deterministic heuristics over structural/lexical properties of the text.
type dimensionScorer func(it model.Item) float64

var scorers = map[string]dimensionScorer{
	model.DimCitationPresence:    scoreCitationPresence,
	model.DimSourceDiversity:     scoreSourceDiversity,
	model.DimSourceRecency:       scoreSourceRecency,
	model.DimVerifiedFlag:        scoreVerifiedFlag,
	model.DimLogicalStructure:    scoreLogicalStructure,
	model.DimInternalConsistency: scoreInternalConsistency,
	model.DimQuantification:      scoreQuantification,
	model.DimCounterargument:     scoreCounterargument,
	model.DimSyntacticValidity:   scoreSyntacticValidity,
	model.DimSpecificity:         scoreSpecificity,
	model.DimAmbiguity:           scoreAmbiguity,
	model.DimReadability:         scoreReadability,
	model.DimStructureMarkers:    scoreStructureMarkers,
	model.DimTerminologyConsist:  scoreTerminologyConsistency,
	model.DimLengthBalance:       scoreLengthBalance,
	model.DimRedundancy:          scoreRedundancy,
	model.DimHedgingBalance:      scoreHedgingBalance,
	model.DimOverclaiming:        scoreOverclaiming,
	model.DimSelfContradiction:   scoreSelfContradiction,
	model.DimSourceIntegrity:     scoreSourceIntegrity,
	model.DimToxicLanguage:       scoreToxicLanguage,
	model.DimActionability:       scoreActionability,
	model.DimRelevance:           scoreRelevance,
	model.DimNovelty:             scoreNovelty,
	model.DimCompleteness:        scoreCompleteness,
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny(content string, terms ...string) bool {
	lc := strings.ToLower(content)
	for _, t := range terms {
		if strings.Contains(lc, t) {
			return true
		}
	}
	return false
}

func countAny(content string, terms ...string) int {
	lc := strings.ToLower(content)
	n := 0
	for _, t := range terms {
		n += strings.Count(lc, t)
	}
	return n
}

func scoreCitationPresence(it model.Item) float64 {
	switch {
	case len(it.Sources) >= 3:
		return 1.0
	case len(it.Sources) == 2:
		return 0.75
	case len(it.Sources) == 1:
		return 0.5
	default:
		return 0.1
	}
}

func scoreSourceDiversity(it model.Item) float64 {
	if len(it.Sources) == 0 {
		return 0.2
	}
	seen := make(map[string]bool, len(it.Sources))
	for _, s := range it.Sources {
		seen[hostOf(s)] = true
	}
	return clamp01(float64(len(seen)) / float64(len(it.Sources)))
}

func hostOf(uri string) string {
	u := strings.TrimPrefix(strings.TrimPrefix(uri, "https://"), "http://")
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return u
}

func scoreSourceRecency(it model.Item) float64 {
	if len(it.Sources) == 0 {
		return 0.5
	}
	// Heuristic: a source URI containing a recent-looking 4-digit year is
	// treated as more likely to be current. Pure text heuristic; no network
	// fetch is performed (the item only carries a URI, not fetched content).
	hits := 0
	for _, s := range it.Sources {
		if containsAny(s, "2024", "2025", "2026") {
			hits++
		}
	}
	return clamp01(0.3 + 0.7*float64(hits)/float64(len(it.Sources)))
}

func scoreVerifiedFlag(it model.Item) float64 {
	if it.Verified == nil {
		return 0.4
	}
	if *it.Verified {
		return 1.0
	}
	return 0.0
}

func scoreLogicalStructure(it model.Item) float64 {
	markers := countAny(it.Content, "because", "therefore", "thus", "hence", "so that", "as a result")
	switch {
	case markers >= 3:
		return 1.0
	case markers == 2:
		return 0.75
	case markers == 1:
		return 0.5
	default:
		return 0.2
	}
}

func scoreInternalConsistency(it model.Item) float64 {
	// Absence of directly adjacent negation/affirmation pairs around the
	// same term is used as a cheap proxy for consistency.
	if countAny(it.Content, "not not", "always never", "never always") > 0 {
		return 0.1
	}
	return 0.85
}

func scoreQuantification(it model.Item) float64 {
	digits := 0
	for _, r := range it.Content {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	ratio := float64(digits) / float64(max(1, len(it.Content)))
	return clamp01(ratio * 20)
}

func scoreCounterargument(it model.Item) float64 {
	if containsAny(it.Content, "however", "on the other hand", "although", "conversely", "but ") {
		return 0.9
	}
	return 0.3
}

func scoreSyntacticValidity(it model.Item) float64 {
	if !balanced(it.Content, '(', ')') || !balanced(it.Content, '[', ']') || !balanced(it.Content, '{', '}') {
		return 0.2
	}
	if strings.Count(it.Content, "\"")%2 != 0 {
		return 0.6
	}
	return 1.0
}

func balanced(s string, open, close rune) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case open:
			depth++
		case close:
			depth--
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0
}

func scoreSpecificity(it model.Item) float64 {
	ws := words(it.Content)
	if len(ws) == 0 {
		return 0
	}
	var total int
	for _, w := range ws {
		total += len(w)
	}
	avg := float64(total) / float64(len(ws))
	// Longer average word length correlates loosely with domain-specific
	// vocabulary rather than generic filler.
	return clamp01((avg - 3) / 5)
}

func scoreAmbiguity(it model.Item) float64 {
	hedges := countAny(it.Content, "maybe", "perhaps", "possibly", "might", "could be", "unclear", "not sure")
	ws := len(words(it.Content))
	density := float64(hedges) / float64(max(1, ws))
	return clamp01(1 - density*10)
}

func scoreReadability(it model.Item) float64 {
	sentences := strings.FieldsFunc(it.Content, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	ws := words(it.Content)
	if len(sentences) == 0 || len(ws) == 0 {
		return 0.3
	}
	avgSentenceLen := float64(len(ws)) / float64(len(sentences))
	// Sweet spot around 12-24 words per sentence.
	switch {
	case avgSentenceLen >= 8 && avgSentenceLen <= 28:
		return 0.9
	case avgSentenceLen > 0:
		return 0.5
	default:
		return 0.3
	}
}

func scoreStructureMarkers(it model.Item) float64 {
	markers := countAny(it.Content, "\n- ", "\n* ", "\n1.", "\n2.", "#")
	if markers >= 2 {
		return 1.0
	}
	if markers == 1 {
		return 0.6
	}
	return 0.3
}

func scoreTerminologyConsistency(it model.Item) float64 {
	ws := words(strings.ToLower(it.Content))
	if len(ws) == 0 {
		return 0.5
	}
	seen := make(map[string]bool, len(ws))
	for _, w := range ws {
		seen[w] = true
	}
	uniqueRatio := float64(len(seen)) / float64(len(ws))
	// Moderate uniqueness (not everything repeated, not everything novel)
	// indicates consistent terminology rather than random text.
	return clamp01(1 - abs(uniqueRatio-0.55)*2)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func scoreLengthBalance(it model.Item) float64 {
	n := len(it.Content)
	switch {
	case n < 20:
		return 0.1
	case n < 80:
		return 0.5
	case n <= 4000:
		return 1.0
	case n <= 20000:
		return 0.6
	default:
		return 0.3
	}
}

func scoreRedundancy(it model.Item) float64 {
	ws := words(strings.ToLower(it.Content))
	if len(ws) < 4 {
		return 0.8
	}
	trigramCounts := make(map[string]int)
	for i := 0; i+3 <= len(ws); i++ {
		key := strings.Join(ws[i:i+3], " ")
		trigramCounts[key]++
	}
	repeats := 0
	for _, c := range trigramCounts {
		if c > 1 {
			repeats += c - 1
		}
	}
	return clamp01(1 - float64(repeats)/float64(max(1, len(trigramCounts))))
}

func scoreHedgingBalance(it model.Item) float64 {
	hedges := countAny(it.Content, "may", "might", "could", "suggests", "likely")
	ws := len(words(it.Content))
	density := float64(hedges) / float64(max(1, ws))
	// Some hedging is healthy (avoids overclaiming); too much erodes utility.
	switch {
	case density > 0 && density < 0.08:
		return 0.9
	case density == 0:
		return 0.6
	default:
		return 0.3
	}
}

func scoreOverclaiming(it model.Item) float64 {
	absolutes := countAny(it.Content, "always", "never", "guaranteed", "impossible", "proves", "100%")
	switch {
	case absolutes == 0:
		return 0.9
	case absolutes == 1:
		return 0.6
	default:
		return 0.2
	}
}

func scoreSelfContradiction(it model.Item) float64 {
	if containsAny(it.Content, "always") && containsAny(it.Content, "never") {
		return 0.2
	}
	return 0.85
}

func scoreSourceIntegrity(it model.Item) float64 {
	if len(it.Sources) == 0 {
		return 0.5
	}
	valid := 0
	for _, s := range it.Sources {
		if model.ValidateSourceURI(s) == nil {
			valid++
		}
	}
	return clamp01(float64(valid) / float64(len(it.Sources)))
}

func scoreToxicLanguage(it model.Item) float64 {
	if containsAny(it.Content, "idiot", "stupid", "shut up", "hate you") {
		return 0.0
	}
	return 1.0
}

func scoreActionability(it model.Item) float64 {
	if containsAny(it.Content, "should", "recommend", "next step", "action item", "todo", "must ") {
		return 0.9
	}
	return 0.4
}

func scoreRelevance(it model.Item) float64 {
	if it.Type == "" {
		return 0.5
	}
	if containsAny(it.Content, strings.ToLower(it.Type)) {
		return 0.9
	}
	return 0.6
}

func scoreNovelty(it model.Item) float64 {
	ws := words(strings.ToLower(it.Content))
	if len(ws) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(ws))
	for _, w := range ws {
		seen[w] = true
	}
	return clamp01(float64(len(seen)) / float64(len(ws)))
}

func scoreCompleteness(it model.Item) float64 {
	score := 0.0
	if len(it.Content) > 40 {
		score += 0.4
	}
	if len(it.Sources) > 0 {
		score += 0.3
	}
	if it.Verified != nil {
		score += 0.3
	}
	return clamp01(score)
}
