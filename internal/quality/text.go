package quality

import (
	"strings"
	"unicode"
)

// extractWords extracts all words from text.
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

// extractKeywords extracts important keywords (filtering common words).
func extractKeywords(text string) map[string]bool {
	words := extractWords(text)
	stopWords := getStopWords()

	keywords := make(map[string]bool)
	for word := range words {
		if !stopWords[word] && len(word) > 3 {
			keywords[word] = true
		}
	}

	return keywords
}

// keywordRetention is the fraction of source keywords that appear in target.
func keywordRetention(source, target string) float64 {
	sourceKeywords := extractKeywords(source)
	targetKeywords := extractKeywords(target)

	if len(sourceKeywords) == 0 {
		return 0.0
	}

	retained := 0
	for keyword := range sourceKeywords {
		if targetKeywords[keyword] {
			retained++
		}
	}

	return float64(retained) / float64(len(sourceKeywords))
}

// containsAny reports whether text contains any of the markers,
// case-insensitively.
func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// countMarkers counts how many of the markers occur in text,
// case-insensitively. Repeated occurrences of one marker count once.
func countMarkers(text string, markers []string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			count++
		}
	}
	return count
}

// getStopWords returns common words to filter out.
func getStopWords() map[string]bool {
	return map[string]bool{
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
}
