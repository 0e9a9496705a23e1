package normalizer

import (
	"regexp"
	"strings"

	"github.com/course-coach/backend/internal/storage/models"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "do": true, "does": true, "did": true,
	"what": true, "which": true, "who": true, "whom": true, "how": true,
	"why": true, "when": true, "where": true, "can": true, "could": true,
	"should": true, "would": true, "will": true, "shall": true, "may": true,
	"might": true, "must": true, "to": true, "of": true, "in": true, "on": true,
	"at": true, "for": true, "with": true, "about": true, "into": true,
	"and": true, "or": true, "but": true, "not": true, "no": true, "so": true,
	"my": true, "your": true, "our": true, "their": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
	"i": true, "you": true, "we": true, "they": true, "me": true, "us": true,
	"some": true, "any": true, "all": true, "please": true, "tell": true,
	"explain": true, "describe": true, "show": true, "give": true, "help": true,
}

// acronymPattern matches a standalone 2-6 letter uppercase acronym.
var acronymPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)

// modifierAcronymPattern matches a lowercase modifier word directly followed
// by an acronym, e.g. "onpage SEO".
var modifierAcronymPattern = regexp.MustCompile(`\b([a-z][a-z-]+)\s+([A-Z]{2,6})\b`)

// isAcronymToken reports whether word (in any case) appears as an uppercase
// 2-6 letter acronym token in source.
func isAcronymToken(word, source string) bool {
	if len(word) < 2 || len(word) > 6 {
		return false
	}
	upper := strings.ToUpper(word)
	for _, m := range acronymPattern.FindAllString(source, -1) {
		if m == upper {
			return true
		}
	}
	return false
}

// stripLeadingStopWords removes stop-words from the front of a concept.
// Idempotent: cleaning an already-clean concept is a no-op.
func stripLeadingStopWords(concept string) string {
	words := strings.Fields(concept)
	start := 0
	for start < len(words) && stopWords[strings.ToLower(words[start])] {
		start++
	}
	return strings.Join(words[start:], " ")
}

// CleanConcepts strips leading stop-words from every concept, lowercases, and
// drops concepts that clean down to nothing.
func CleanConcepts(concepts []string) []string {
	out := make([]string, 0, len(concepts))
	for _, c := range concepts {
		cleaned := stripLeadingStopWords(strings.TrimSpace(c))
		if cleaned == "" {
			continue
		}
		out = append(out, strings.ToLower(cleaned))
	}
	return out
}

// expandsAcronym reports whether the initials of a multi-word concept spell
// an acronym that appears in the source text. This is the single permitted
// exception to the literal-appearance rule, and only for definition intent.
func expandsAcronym(concept, source string) bool {
	words := strings.Fields(concept)
	if len(words) < 2 {
		return false
	}
	var initials strings.Builder
	for _, w := range words {
		initials.WriteByte(w[0])
	}
	return isAcronymToken(initials.String(), source)
}

// FilterConcepts applies the anti-drift guardrails to provider-returned
// concepts: every surviving concept either literally appears in the original
// or normalized question, or (for definition intent only) is an acronym
// expansion. Two-word "modifier ACRONYM" spans present verbatim in the
// original are force-included, single-word non-acronyms are dropped, and a
// bare acronym is removed when a multi-word concept already contains it.
func FilterConcepts(concepts []string, original, normalized, intent string) []string {
	cleaned := CleanConcepts(concepts)

	lowerOriginal := strings.ToLower(original)
	lowerNormalized := strings.ToLower(normalized)

	kept := make([]string, 0, len(cleaned))
	for _, c := range cleaned {
		if strings.Contains(lowerOriginal, c) || strings.Contains(lowerNormalized, c) {
			kept = append(kept, c)
			continue
		}
		if intent == models.IntentDefinition && expandsAcronym(c, original) {
			kept = append(kept, c)
		}
	}

	for _, m := range modifierAcronymPattern.FindAllStringSubmatch(original, -1) {
		kept = append(kept, strings.ToLower(m[1]+" "+m[2]))
	}

	filtered := kept[:0]
	for _, c := range kept {
		if !strings.Contains(c, " ") && !isAcronymToken(c, original) {
			continue
		}
		filtered = append(filtered, c)
	}

	// Specific beats generic: drop a bare acronym when some multi-word
	// concept carries it as a token.
	result := make([]string, 0, len(filtered))
	for _, c := range filtered {
		if !strings.Contains(c, " ") {
			subsumed := false
			for _, other := range filtered {
				if other == c || !strings.Contains(other, " ") {
					continue
				}
				for _, tok := range strings.Fields(other) {
					if tok == c {
						subsumed = true
						break
					}
				}
				if subsumed {
					break
				}
			}
			if subsumed {
				continue
			}
		}
		result = append(result, c)
	}

	return dedupeFold(result)
}

// dedupeFold removes case-insensitive duplicates, keeping first occurrence.
func dedupeFold(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
