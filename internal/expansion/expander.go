package expansion

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/normalizer"
	"github.com/course-coach/backend/pkg/logger"
)

// Provider is the slice of the generation client the expander needs.
type Provider interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

const expandPrompt = `You generate alternative phrasings for a search concept.

Rules:
- Every variant must mean EXACTLY the same thing as the concept. Never a
  broader term, never a narrower term, never a merely related term.
- Return 2 to 5 variants.
- Lowercase only. No punctuation except hyphens.

Return JSON only: {"variants": ["...", "..."]}`

var variantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9 -]*$`)

type cacheEntry struct {
	variants  []string
	timestamp time.Time
}

// Expander widens keyword matching with semantic-equivalent phrasings of
// extracted concepts, without broadening their meaning.
type Expander struct {
	provider Provider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func New(provider Provider, cacheTTL time.Duration) *Expander {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	return &Expander{
		provider: provider,
		ttl:      cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Expand returns the union of the cleaned input concepts and their
// semantic-equivalent variants, deduplicated case-insensitively. An empty or
// invalid concept list yields an empty result, not an error, and a failure
// on one concept never aborts the batch.
func (e *Expander) Expand(ctx context.Context, concepts []string, intentType string) []string {
	cleaned := normalizer.CleanConcepts(concepts)
	if len(cleaned) == 0 {
		return nil
	}

	out := make([]string, 0, len(cleaned)*3)
	out = append(out, cleaned...)

	for _, concept := range cleaned {
		variants := e.variantsFor(ctx, concept, intentType)
		out = append(out, variants...)
	}

	return dedupe(out)
}

func (e *Expander) variantsFor(ctx context.Context, concept, intentType string) []string {
	key := concept + "|" + intentType

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && time.Since(entry.timestamp) <= e.ttl {
		return entry.variants
	}

	variants, ok := e.generate(ctx, concept, intentType)
	if !ok {
		// Transient provider failure; caching it would mute the concept
		// for the full TTL.
		return nil
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{variants: variants, timestamp: time.Now()}
	e.mu.Unlock()

	return variants
}

func (e *Expander) generate(ctx context.Context, concept, intentType string) ([]string, bool) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: expandPrompt,
		UserPrompt:   "Concept: " + concept + "\nQuery intent: " + intentType,
		Temperature:  0.3,
		MaxTokens:    200,
		JSONResponse: true,
	})
	if err != nil {
		logger.Warn("Concept expansion failed, skipping concept",
			zap.String("concept", concept),
			zap.Error(err),
		)
		return nil, false
	}

	var parsed struct {
		Variants []string `json:"variants"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		logger.Warn("Unparseable expansion output, skipping concept",
			zap.String("concept", concept),
			zap.Error(err),
		)
		return nil, true
	}

	variants := make([]string, 0, len(parsed.Variants))
	for _, v := range parsed.Variants {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || v == concept || !variantPattern.MatchString(v) {
			continue
		}
		variants = append(variants, v)
	}
	if len(variants) > 5 {
		variants = variants[:5]
	}

	logger.Debug("Concept expanded",
		zap.String("concept", concept),
		zap.Strings("variants", variants),
	)
	return variants, true
}

func dedupe(values []string) []string {
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
