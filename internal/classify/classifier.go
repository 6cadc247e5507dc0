// Package classify assigns content types to finalized utterances.
// Classification is a pure function of (text, recent context): same input,
// same output, no side effects.
package classify

import (
	"strings"
)

// ContentType tags what kind of utterance was heard.
type ContentType string

const (
	TypeQuestion ContentType = "question"
	TypeQuote    ContentType = "quote"
	TypeNote     ContentType = "note"
	TypeThought  ContentType = "thought"
	TypeAmbient  ContentType = "ambient"
	TypeUnknown  ContentType = "unknown"
)

// Result is an utterance annotated with its content type and entities.
type Result struct {
	Type       ContentType
	Entities   []Entity
	Confidence float64
}

var interrogatives = []string{
	"who", "what", "when", "where", "why", "how",
	"is", "are", "was", "were", "do", "does", "did",
	"can", "could", "would", "will", "should",
}

var quoteVerbs = []string{"said", "says", "wrote", "writes", "quoted"}

var notePhrases = []string{"remember", "note to self", "important", "don't forget", "make a note"}

var thoughtPhrases = []string{"i think", "i feel", "i wonder", "reminds me", "i believe", "it seems"}

// IsInterrogative reports whether text opens like a question or ends with
// a question mark. Used both for classification and for finalization
// grace decisions upstream.
func IsInterrogative(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	first := strings.ToLower(firstWord(trimmed))
	for _, w := range interrogatives {
		if first == w {
			return true
		}
	}
	return false
}

// Classify assigns a content type using an ordered rule set; first match
// wins. Rules are evaluated cheaply before any heavier analysis.
func Classify(text string, recentContext string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Type: TypeUnknown}
	}
	lower := strings.ToLower(trimmed)

	res := Result{Type: TypeAmbient, Confidence: 0.5}

	switch {
	case IsInterrogative(trimmed):
		res.Type = TypeQuestion
		res.Confidence = questionConfidence(trimmed)
	case hasQuoteMarker(trimmed, lower):
		res.Type = TypeQuote
		res.Confidence = 0.8
	case containsAny(lower, notePhrases):
		res.Type = TypeNote
		res.Confidence = 0.8
	case containsAny(lower, thoughtPhrases):
		res.Type = TypeThought
		res.Confidence = 0.7
	}

	res.Entities = ExtractEntities(trimmed)
	return res
}

func questionConfidence(text string) float64 {
	// Explicit question mark beats an interrogative opener alone.
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return 0.95
	}
	return 0.75
}

func hasQuoteMarker(text, lower string) bool {
	if strings.ContainsAny(text, `"“”`) {
		return true
	}
	return containsAny(lower, quoteVerbs)
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
