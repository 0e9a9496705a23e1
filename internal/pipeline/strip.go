package pipeline

import (
	"regexp"
	"strings"
)

// stripPatterns are the reference-shaped forms swept from generated text, in
// order. Longer composite spans run before bare forms so "see Day 3" is
// removed as one unit instead of leaving a dangling citation verb. This
// sweep is a hallucination safety net, not the citation mechanism: the
// system prompt already forbids the model from citing, and system-owned
// references are attached afterwards.
var stripPatterns = []*regexp.Regexp{
	// Parenthetical location mentions: "(covered on Day 3)".
	regexp.MustCompile(`(?i)\([^)]*\b(?:day|chapter|lab|step)\s+\d+[^)]*\)`),
	// Bracketed location mentions: "[Day 2, Lab 1]".
	regexp.MustCompile(`(?i)\[[^\]]*\b(?:day|chapter|lab|step)\s+\d+[^\]]*\]`),
	// Citation verb plus location: "see Day 3", "refer to Chapter 2".
	regexp.MustCompile(`(?i)\b(?:see|refer to|check(?: out)?|revisit|as (?:described|shown|covered|explained) (?:in|on)|covered (?:in|on)|found (?:in|on))\s+(?:day|chapter|lab|step)\s+\d+\b`),
	// Canonical references: "D1.C1.S3".
	regexp.MustCompile(`(?i)\bD\d+\.(?:C|L)\d+\.[SCEDPLHTB]\d+\b`),
	// Bare structural mentions.
	regexp.MustCompile(`(?i)\bday\s+\d+\b`),
	regexp.MustCompile(`(?i)\bchapter\s+\d+\b`),
	regexp.MustCompile(`(?i)\blab\s+\d+\b`),
}

var (
	danglingPunct  = regexp.MustCompile(`\s+([,;:])`)
	repeatedPunct  = regexp.MustCompile(`([,;:])\s*([,;:.])`)
	multiSpace     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeDot = regexp.MustCompile(`\s+\.`)
	leadingPunct   = regexp.MustCompile(`(?m)^\s*[,;:]\s*`)
)

// StripReferences removes every reference-shaped span from generated text
// and returns the cleaned text plus the removed snippets for logging.
func StripReferences(text string) (string, []string) {
	var removed []string

	for _, pattern := range stripPatterns {
		for _, m := range pattern.FindAllString(text, -1) {
			removed = append(removed, m)
		}
		text = pattern.ReplaceAllString(text, "")
	}

	if len(removed) == 0 {
		return text, nil
	}

	// Tidy the holes the sweep left behind.
	text = repeatedPunct.ReplaceAllString(text, "$2")
	text = danglingPunct.ReplaceAllString(text, "$1")
	text = spaceBeforeDot.ReplaceAllString(text, ".")
	text = leadingPunct.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		cleaned = append(cleaned, line)
	}
	text = strings.Join(cleaned, "\n")

	return strings.TrimSpace(text), removed
}
