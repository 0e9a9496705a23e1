package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripReferencesCleanText(t *testing.T) {
	text := "Keyword research is the process of finding the terms people search for."

	got, removed := StripReferences(text)

	assert.Equal(t, text, got)
	assert.Nil(t, removed)
}

func TestStripReferencesCompositeSpan(t *testing.T) {
	got, removed := StripReferences("This is explained well, see Day 3, Chapter 2 for details.")

	assert.NotContains(t, strings.ToLower(got), "day")
	assert.NotContains(t, strings.ToLower(got), "chapter")
	assert.NotEmpty(t, removed)
}

func TestStripReferencesForms(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"parenthetical", "Backlinks matter a lot (covered on Day 3)."},
		{"bracketed", "Backlinks matter a lot [Day 2, Lab 1]."},
		{"citation verb", "Refer to Chapter 2 before starting."},
		{"canonical ref", "As D1.C1.S3 explains, titles matter."},
		{"bare day", "You learned this on day 4 already."},
		{"bare lab", "Lab 2 walks through the setup."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, removed := StripReferences(tt.in)

			lower := strings.ToLower(got)
			for _, word := range []string{"day 3", "day 2", "day 4", "chapter 2", "lab 1", "lab 2", "d1.c1.s3"} {
				assert.NotContains(t, lower, word)
			}
			assert.NotEmpty(t, removed)
		})
	}
}

func TestStripReferencesReportsRemovedSnippets(t *testing.T) {
	_, removed := StripReferences("See Day 3 and also check Chapter 2.")

	require.Len(t, removed, 2)
	assert.Contains(t, removed[0], "Day 3")
}

func TestStripReferencesTidiesPunctuation(t *testing.T) {
	got, _ := StripReferences("Titles matter, see Day 3, because they set expectations.")

	assert.NotContains(t, got, ", ,")
	assert.NotContains(t, got, " ,")
	assert.NotContains(t, got, "  ")
}

func TestStripReferencesPreservesOtherNumbers(t *testing.T) {
	got, removed := StripReferences("Aim for 3 to 5 keywords per page.")

	assert.Equal(t, "Aim for 3 to 5 keywords per page.", got)
	assert.Nil(t, removed)
}
