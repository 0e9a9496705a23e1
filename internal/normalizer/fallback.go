package normalizer

import (
	"regexp"
	"strconv"
	"strings"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

var categoryPatterns = []struct {
	category string
	pattern  *regexp.Regexp
}{
	{models.CategoryLabGuidance, regexp.MustCompile(`(?i)\b(lab|exercise|assignment|task|stuck|hint|solution)\b`)},
	{models.CategoryNavigation, regexp.MustCompile(`(?i)\b(go to|open|take me|navigate|next|previous|where is|jump to)\b`)},
	{models.CategoryStructural, regexp.MustCompile(`(?i)\b(how many|chapters?|structure|syllabus|outline|table of contents|course overview)\b`)},
	{models.CategoryPlanning, regexp.MustCompile(`(?i)\b(plan|schedule|study plan|how long|how much time|when should|pace)\b`)},
}

var intentPatterns = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{models.IntentDefinition, regexp.MustCompile(`(?i)^\s*(what is|what are|what does .+ mean|define)`)},
	{models.IntentComparison, regexp.MustCompile(`(?i)\b(vs\.?|versus|difference between|compare[d]?)\b`)},
	{models.IntentProcedure, regexp.MustCompile(`(?i)^\s*(how do i|how to|how can i|steps to)`)},
	{models.IntentTroubleshooting, regexp.MustCompile(`(?i)\b(error|fails?|failing|broken|not working|fix|debug)\b`)},
	{models.IntentBestPractices, regexp.MustCompile(`(?i)\b(best practices?|recommended|should i)\b`)},
	{models.IntentExample, regexp.MustCompile(`(?i)\b(example|for instance|sample)\b`)},
	{models.IntentExplanation, regexp.MustCompile(`(?i)^\s*(why|explain|how does|how is)`)},
}

var (
	chapterNumberPattern = regexp.MustCompile(`(?i)\bchapter\s+(\d+)`)
	labNumberPattern     = regexp.MustCompile(`(?i)\blab\s+(\d+)`)
	dayNumberPattern     = regexp.MustCompile(`(?i)\bday\s+(\d+)`)
	navActionPattern     = regexp.MustCompile(`(?i)\b(next|previous|open|go to|jump to)\b`)
)

// fallbackNormalize builds a low-confidence NormalizedQuery from local
// heuristics alone. It never fails: when the provider is down or returns
// garbage this is what the pipeline runs on.
func fallbackNormalize(question string) *models.NormalizedQuery {
	q := &models.NormalizedQuery{
		Category:           inferCategory(question),
		NormalizedQuestion: strings.ToLower(strings.Join(strings.Fields(question), " ")),
		IntentType:         inferIntent(question),
		Confidence:         0.3,
	}

	parseStructuralFields(q, question)

	if q.Category != models.CategoryContent && q.Category != models.CategoryLabGuidance {
		return q
	}

	concepts := extractFallbackConcepts(question)
	concepts = FilterConcepts(concepts, question, q.NormalizedQuestion, q.IntentType)
	q.PrimaryConcepts = concepts
	if len(concepts) > 0 {
		q.PrimaryTopic = concepts[0]
	}

	return q
}

func inferCategory(question string) string {
	for _, cp := range categoryPatterns {
		if cp.pattern.MatchString(question) {
			return cp.category
		}
	}
	return models.CategoryContent
}

func inferIntent(question string) string {
	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(question) {
			return ip.intent
		}
	}
	return models.IntentGeneral
}

// parseStructuralFields extracts chapter/lab/day numbers and navigation
// actions with local rules. Non-content categories never go through the
// provider for these.
func parseStructuralFields(q *models.NormalizedQuery, question string) {
	if m := chapterNumberPattern.FindStringSubmatch(question); m != nil {
		q.ChapterNumber, _ = strconv.Atoi(m[1])
	}
	if m := labNumberPattern.FindStringSubmatch(question); m != nil {
		q.LabNumber, _ = strconv.Atoi(m[1])
	}
	if m := dayNumberPattern.FindStringSubmatch(question); m != nil {
		q.DayNumber, _ = strconv.Atoi(m[1])
	}
	if q.Category == models.CategoryNavigation {
		if m := navActionPattern.FindStringSubmatch(question); m != nil {
			q.NavigationAction = strings.ToLower(m[1])
		}
	}
}

// extractFallbackConcepts tokenizes the question and keeps noun-ish token
// runs after stop-word removal. Uses prose for tagging; if tagging fails it
// degrades to plain field splitting.
func extractFallbackConcepts(question string) []string {
	doc, err := prose.NewDocument(question)
	if err != nil {
		logger.Debug("Prose tagging failed, using plain tokens", zap.Error(err))
		return tokenConcepts(strings.Fields(question))
	}

	var current []string
	var concepts []string
	flush := func() {
		if len(current) > 0 {
			concepts = append(concepts, strings.Join(current, " "))
			current = nil
		}
	}

	for _, tok := range doc.Tokens() {
		word := strings.ToLower(tok.Text)
		isNoun := strings.HasPrefix(tok.Tag, "NN") || tok.Tag == "JJ"
		if isNoun && !stopWords[word] {
			current = append(current, word)
			continue
		}
		flush()
	}
	flush()

	if len(concepts) == 0 {
		return tokenConcepts(strings.Fields(question))
	}
	return concepts
}

func tokenConcepts(tokens []string) []string {
	var kept []string
	for _, t := range tokens {
		t = strings.ToLower(strings.Trim(t, ".,!?;:\"'()"))
		if t == "" || stopWords[t] {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return nil
	}
	return []string{strings.Join(kept, " ")}
}
