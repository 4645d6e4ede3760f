package pipeline

import (
	"math"
	"strings"
	"unicode"
)

// QualityReport captures how much meaning survived the budget pass.
// KeywordRetention is the share of stopword-filtered keywords from the
// pre-compression payload still present afterwards: the concrete,
// testable stand-in for subjective summarization quality. Pass holds
// when retention meets the configured minimum.
type QualityReport struct {
	KeywordRetention float64 `json:"keyword_retention"`
	Similarity       float64 `json:"similarity"`
	Composite        float64 `json:"composite"`
	Pass             bool    `json:"pass"`
}

// evalQuality compares the payload before and after compression. An
// unchanged payload scores perfect without further work.
func evalQuality(original, compressed string, minRetention float64) QualityReport {
	if original == compressed {
		return QualityReport{KeywordRetention: 1, Similarity: 1, Composite: 1, Pass: true}
	}
	retention := keywordRetention(original, compressed)
	similarity := jaccard(extractWords(original), extractWords(compressed))
	composite := 0.6*math.Pow(retention, 0.8) + 0.4*similarity
	return QualityReport{
		KeywordRetention: retention,
		Similarity:       similarity,
		Composite:        composite,
		Pass:             retention >= minRetention,
	}
}

// keywordRetention is the fraction of original keywords that survive
// in the compressed text. Text with no keywords has nothing to lose
// and scores 1.
func keywordRetention(original, compressed string) float64 {
	origKeys := extractKeywords(original)
	if len(origKeys) == 0 {
		return 1
	}
	compKeys := extractKeywords(compressed)
	kept := 0
	for k := range origKeys {
		if compKeys[k] {
			kept++
		}
	}
	return float64(kept) / float64(len(origKeys))
}

// jaccard is intersection over union of two word sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	union := make(map[string]bool, len(a)+len(b))
	for w := range a {
		union[w] = true
		if b[w] {
			intersection++
		}
	}
	for w := range b {
		union[w] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// extractKeywords returns the meaning-bearing words of text: stopwords
// and words of three letters or fewer are dropped.
func extractKeywords(text string) map[string]bool {
	keywords := make(map[string]bool)
	for w := range extractWords(text) {
		if len(w) > 3 && !stopWords[w] {
			keywords[w] = true
		}
	}
	return keywords
}

// extractWords lowercases text and splits it into its word set.
func extractWords(text string) map[string]bool {
	words := make(map[string]bool)
	var current strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(r)
		} else if current.Len() > 0 {
			words[current.String()] = true
			current.Reset()
		}
	}
	if current.Len() > 0 {
		words[current.String()] = true
	}
	return words
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "may": true, "might": true, "must": true,
	"can": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "as": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true,
}
