package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
	"github.com/course-coach/backend/pkg/utils"
)

// NodeStore is the persistence surface hybrid retrieval reads from. The
// store only needs plain filtered retrieval; similarity is computed
// in-process.
type NodeStore interface {
	FetchCandidates(ctx context.Context, courseID string, filters models.NodeFilters) ([]models.ContentNode, error)
	FindByPrimaryTopic(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error)
	FindByAlias(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error)
	FindByKeyword(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error)
}

// EmbedProvider generates query embeddings.
type EmbedProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache is an optional cross-replica cache for query embeddings,
// keyed by a hash of the normalized question text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type cacheEntry struct {
	nodes     []ScoredNode
	timestamp time.Time
}

// Searcher combines vector similarity with metadata keyword matching,
// scoped to one course.
type Searcher struct {
	store      NodeStore
	provider   EmbedProvider
	registry   *registry.Registry
	embedCache EmbeddingCache
	limit      int
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewSearcher(store NodeStore, provider EmbedProvider, reg *registry.Registry, defaultLimit int, cacheTTL time.Duration) *Searcher {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Searcher{
		store:    store,
		provider: provider,
		registry: reg,
		limit:    defaultLimit,
		ttl:      cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// WithEmbeddingCache attaches the optional shared embedding cache.
func (s *Searcher) WithEmbeddingCache(c EmbeddingCache) *Searcher {
	s.embedCache = c
	return s
}

// HybridSearch runs semantic and keyword search in parallel and merges the
// results deterministically. The guardrails are strict: an empty normalized
// question or concept list is an integration bug upstream and fails with a
// ValidationError instead of degrading into an empty result.
func (s *Searcher) HybridSearch(ctx context.Context, normalizedQuestion string, concepts []string, courseID string, filters models.NodeFilters, limit int) ([]ScoredNode, error) {
	if strings.TrimSpace(normalizedQuestion) == "" {
		return nil, errs.Validationf("hybrid search requires a non-empty normalized question")
	}
	if len(concepts) == 0 {
		return nil, errs.Validationf("hybrid search requires a non-empty concept list")
	}
	if limit <= 0 {
		limit = s.limit
	}

	queryEmbedding, err := s.queryEmbedding(ctx, normalizedQuestion)
	if err != nil {
		// The semantic path degrades; keyword search still runs.
		logger.Warn("Query embedding failed, keyword search only", zap.Error(err))
		queryEmbedding = nil
	}

	var semanticHits, keywordHits []ScoredNode

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if queryEmbedding == nil {
			return nil
		}
		hits, err := s.SearchSimilarNodes(gctx, queryEmbedding, courseID, filters, limit)
		if err != nil {
			logger.Warn("Semantic search failed", zap.Error(err))
			return nil
		}
		semanticHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := s.KeywordSearch(gctx, concepts, courseID, filters, limit)
		if err != nil {
			if errs.IsValidation(err) {
				return err
			}
			logger.Warn("Keyword search failed", zap.Error(err))
			return nil
		}
		keywordHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Union by canonical reference, first occurrence wins. Semantic hits
	// carry a similarity and are merged first; the final order is by
	// similarity where present, then keyword relevance. Fixed priority,
	// never arrival order.
	merged := make([]ScoredNode, 0, len(semanticHits)+len(keywordHits))
	seen := make(map[string]bool)
	for _, hit := range semanticHits {
		if seen[hit.Node.CanonicalReference] {
			continue
		}
		seen[hit.Node.CanonicalReference] = true
		merged = append(merged, hit)
	}
	for _, hit := range keywordHits {
		if seen[hit.Node.CanonicalReference] {
			continue
		}
		seen[hit.Node.CanonicalReference] = true
		merged = append(merged, hit)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Relevance > merged[j].Relevance
	})

	logger.Debug("Hybrid search completed",
		zap.Int("semantic", len(semanticHits)),
		zap.Int("keyword", len(keywordHits)),
		zap.Int("merged", len(merged)),
	)

	return truncate(merged, limit), nil
}

// queryEmbedding embeds the normalized question, consulting the shared
// embedding cache first when one is attached. Cache failures fall through to
// the provider.
func (s *Searcher) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.embedCache == nil {
		return s.provider.Embed(ctx, text)
	}

	hash := utils.HashString(text)
	if embedding, ok, err := s.embedCache.GetEmbedding(ctx, hash); err == nil && ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return embedding, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := s.embedCache.SetEmbedding(ctx, hash, embedding, s.ttl); err != nil {
		logger.Warn("Failed to cache query embedding", zap.Error(err))
	}
	return embedding, nil
}

func (s *Searcher) fromCache(key string) []ScoredNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || time.Since(entry.timestamp) > s.ttl {
		return nil
	}
	return entry.nodes
}

func (s *Searcher) storeCache(key string, nodes []ScoredNode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = cacheEntry{nodes: nodes, timestamp: time.Now()}
}
