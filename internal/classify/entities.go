package classify

import (
	"strings"
	"unicode"
)

// EntityKind distinguishes lightweight entity categories.
type EntityKind string

const (
	KindCharacter EntityKind = "character"
	KindLocation  EntityKind = "location"
	KindOther     EntityKind = "other"
)

// Entity is a named entity extracted from an utterance.
type Entity struct {
	Name string
	Kind EntityKind
}

// Capitalized words that are never entities on their own.
var stopwords = map[string]struct{}{
	"i": {}, "the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"who": {}, "what": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "do": {}, "does": {}, "did": {},
	"can": {}, "could": {}, "would": {}, "will": {}, "should": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "it": {}, "its": {},
	"he": {}, "she": {}, "they": {}, "we": {}, "you": {}, "my": {}, "his": {}, "her": {},
	"chapter": {}, "page": {}, "book": {}, "so": {}, "well": {}, "okay": {}, "yeah": {},
	"remember": {}, "note": {}, "important": {},
}

// Prepositions that suggest the following entity is a place.
var locationPreps = map[string]struct{}{
	"in": {}, "at": {}, "to": {}, "from": {}, "near": {}, "on": {},
}

// Verbs/prepositions that suggest the following entity is a person.
var characterCues = map[string]struct{}{
	"with": {}, "about": {}, "like": {}, "named": {}, "called": {},
}

// ExtractEntities runs a lightweight named-entity pass: capitalized tokens
// not in the stopword list, merged into multi-word runs, disambiguated by
// the preceding word.
func ExtractEntities(text string) []Entity {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})

	var entities []Entity
	seen := make(map[string]struct{})

	for i := 0; i < len(tokens); i++ {
		if !isCapitalized(tokens[i]) || isStopword(tokens[i]) {
			continue
		}
		// First word of the utterance is capitalized by convention, so it
		// only counts when followed by another capitalized token.
		if i == 0 && (len(tokens) < 2 || !isCapitalized(tokens[1]) || isStopword(tokens[1])) {
			continue
		}

		// Merge consecutive capitalized tokens ("Paul Atreides")
		j := i
		var parts []string
		for j < len(tokens) && isCapitalized(tokens[j]) && !isStopword(tokens[j]) {
			parts = append(parts, tokens[j])
			j++
		}
		name := strings.Join(parts, " ")

		kind := KindOther
		if i > 0 {
			prev := strings.ToLower(tokens[i-1])
			if _, ok := locationPreps[prev]; ok {
				kind = KindLocation
			} else if _, ok := characterCues[prev]; ok {
				kind = KindCharacter
			}
		}
		// Interrogative "who" preceding strongly implies a character.
		if kind == KindOther && i >= 2 && strings.EqualFold(tokens[0], "who") {
			kind = KindCharacter
		}

		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			entities = append(entities, Entity{Name: name, Kind: kind})
		}
		i = j - 1
	}
	return entities
}

func isCapitalized(tok string) bool {
	r := []rune(tok)
	return len(r) > 0 && unicode.IsUpper(r[0])
}

func isStopword(tok string) bool {
	_, ok := stopwords[strings.ToLower(tok)]
	return ok
}

// Names returns just the entity names, in extraction order.
func Names(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.Name
	}
	return out
}
