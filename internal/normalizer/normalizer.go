package normalizer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

// Provider is the slice of the generation client the normalizer needs.
type Provider interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

const classifyPrompt = `You are a query analyzer for a technical course assistant.
Classify the student question and extract its concepts.

Categories:
- content: asks about course subject matter
- lab_guidance: asks for help with a lab or exercise
- structural: asks about course structure (chapters, labs, counts)
- navigation: asks to move somewhere in the course
- planning: asks about scheduling or study planning
- unrelated: none of the above

Intent types: definition, explanation, comparison, procedure, implementation,
strategy, best_practices, troubleshooting, example, general.

Also correct obvious spelling mistakes in the question.

Concepts must be short noun phrases taken from the question itself. Never
substitute a broader or related term for what the student actually wrote.

Return JSON only:
{"category": "...", "normalized_question": "...", "primary_topic": "...",
 "primary_concepts": [], "secondary_concepts": [], "contextual_concepts": [],
 "intent_type": "...", "confidence": 0.0, "corrections": {}}`

type providerResult struct {
	Category           string            `json:"category"`
	NormalizedQuestion string            `json:"normalized_question"`
	PrimaryTopic       string            `json:"primary_topic"`
	PrimaryConcepts    []string          `json:"primary_concepts"`
	SecondaryConcepts  []string          `json:"secondary_concepts"`
	ContextualConcepts []string          `json:"contextual_concepts"`
	IntentType         string            `json:"intent_type"`
	Confidence         float64           `json:"confidence"`
	Corrections        map[string]string `json:"corrections"`
}

type cacheEntry struct {
	query     *models.NormalizedQuery
	timestamp time.Time
}

// Normalizer turns raw user text into a corrected, intent-classified,
// concept-extracted structure. It never touches the content corpus.
type Normalizer struct {
	provider Provider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func New(provider Provider, cacheTTL time.Duration) *Normalizer {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Normalizer{
		provider: provider,
		ttl:      cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Normalize analyzes a raw question. An empty or whitespace-only question
// returns a zero-confidence empty result without calling the provider.
// Provider failures degrade to the local heuristic fallback; Normalize
// itself never returns an error.
func (n *Normalizer) Normalize(ctx context.Context, question string) *models.NormalizedQuery {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return &models.NormalizedQuery{
			Category:   models.CategoryUnrelated,
			IntentType: models.IntentGeneral,
			Confidence: 0.0,
		}
	}

	if cached := n.fromCache(trimmed); cached != nil {
		return cached
	}

	result := n.classify(ctx, trimmed)
	n.store(trimmed, result)
	return result
}

func (n *Normalizer) classify(ctx context.Context, question string) *models.NormalizedQuery {
	resp, err := n.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifyPrompt,
		UserPrompt:   question,
		Temperature:  0.1,
		MaxTokens:    500,
		JSONResponse: true,
	})
	if err != nil {
		logger.Warn("Query classification failed, using fallback", zap.Error(err))
		return fallbackNormalize(question)
	}

	var parsed providerResult
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		logger.Warn("Unparseable classification output, using fallback",
			zap.Error(err),
			zap.String("content", resp.Content),
		)
		return fallbackNormalize(question)
	}

	if !validCategory(parsed.Category) {
		logger.Warn("Unknown category from provider, using fallback",
			zap.String("category", parsed.Category),
		)
		return fallbackNormalize(question)
	}

	q := &models.NormalizedQuery{
		Category:           parsed.Category,
		NormalizedQuestion: strings.ToLower(strings.TrimSpace(parsed.NormalizedQuestion)),
		IntentType:         parsed.IntentType,
		Confidence:         parsed.Confidence,
		Corrections:        parsed.Corrections,
	}
	if q.NormalizedQuestion == "" {
		q.NormalizedQuestion = strings.ToLower(question)
	}
	if q.IntentType == "" {
		q.IntentType = models.IntentGeneral
	}

	if q.Category == models.CategoryContent || q.Category == models.CategoryLabGuidance {
		// Guardrail: concepts the provider invented that do not appear in
		// the student's words are dropped here, not downstream.
		q.PrimaryConcepts = FilterConcepts(parsed.PrimaryConcepts, question, q.NormalizedQuestion, q.IntentType)
		q.SecondaryConcepts = FilterConcepts(parsed.SecondaryConcepts, question, q.NormalizedQuestion, q.IntentType)
		q.ContextualConcepts = FilterConcepts(parsed.ContextualConcepts, question, q.NormalizedQuestion, q.IntentType)
		q.PrimaryTopic = strings.ToLower(strings.TrimSpace(parsed.PrimaryTopic))
		if q.PrimaryTopic == "" && len(q.PrimaryConcepts) > 0 {
			q.PrimaryTopic = q.PrimaryConcepts[0]
		}
	} else {
		parseStructuralFields(q, question)
	}

	logger.Debug("Query normalized",
		zap.String("category", q.Category),
		zap.String("intent", q.IntentType),
		zap.Strings("primary_concepts", q.PrimaryConcepts),
	)

	return q
}

func (n *Normalizer) fromCache(question string) *models.NormalizedQuery {
	n.mu.RLock()
	defer n.mu.RUnlock()

	entry, ok := n.cache[question]
	if !ok || time.Since(entry.timestamp) > n.ttl {
		return nil
	}
	return entry.query
}

func (n *Normalizer) store(question string, q *models.NormalizedQuery) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cache[question] = cacheEntry{query: q, timestamp: time.Now()}
}

func validCategory(category string) bool {
	switch category {
	case models.CategoryContent, models.CategoryLabGuidance, models.CategoryStructural,
		models.CategoryNavigation, models.CategoryPlanning, models.CategoryUnrelated:
		return true
	}
	return false
}

// extractJSON trims markdown code fences some models wrap around JSON output.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
