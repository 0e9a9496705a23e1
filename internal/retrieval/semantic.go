package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
	"github.com/course-coach/backend/pkg/utils"
)

// ScoredNode is one retrieval hit with its score and display reference.
type ScoredNode struct {
	Node       models.ContentNode
	Similarity float64
	Relevance  float64
	Display    string
}

// SearchSimilarNodes ranks candidate nodes by cosine similarity against the
// query embedding. Nodes without an embedding are excluded from this path;
// they participate only in keyword search. Display resolution failures fall
// back to manual reference construction, never an error.
func (s *Searcher) SearchSimilarNodes(ctx context.Context, queryEmbedding []float32, courseID string, filters models.NodeFilters, limit int) ([]ScoredNode, error) {
	if limit <= 0 {
		limit = s.limit
	}

	cacheKey := semanticCacheKey(courseID, queryEmbedding, filters)
	if cached := s.fromCache(cacheKey); cached != nil {
		return truncate(cached, limit), nil
	}

	candidates, err := s.store.FetchCandidates(ctx, courseID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	scored := make([]ScoredNode, 0, len(candidates))
	for _, node := range candidates {
		if node.Embedding == nil {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, node.Embedding)
		scored = append(scored, ScoredNode{Node: node, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	for i := range scored {
		scored[i].Display = s.displayFor(ctx, &scored[i].Node)
	}

	s.storeCache(cacheKey, scored)

	logger.Debug("Semantic search completed",
		zap.String("course_id", courseID),
		zap.Int("candidates", len(candidates)),
		zap.Int("scored", len(scored)),
	)

	return truncate(scored, limit), nil
}

// displayFor resolves a node's display reference through the registry,
// falling back to buildDisplayReference when resolution fails. This path is
// resilient: display formatting must never abort a search.
func (s *Searcher) displayFor(ctx context.Context, node *models.ContentNode) string {
	entry, err := s.registry.Resolve(ctx, node.CourseID, node.CanonicalReference)
	if err != nil {
		logger.Debug("Registry resolution failed, building display manually",
			zap.String("ref", node.CanonicalReference),
			zap.Error(err),
		)
		return buildDisplayReference(node)
	}
	return registry.FormatDisplay(entry)
}

// buildDisplayReference constructs a display label directly from node fields,
// used when the registry cannot resolve the reference mid-request (e.g. a
// race with reindexing).
func buildDisplayReference(node *models.ContentNode) string {
	entry := &models.RegistryEntry{
		CanonicalReference: node.CanonicalReference,
		Day:                node.Day,
		ContainerType:      node.ContainerType,
		ContainerID:        node.ContainerID,
		ContainerTitle:     node.ContainerTitle,
		SequenceNumber:     node.SequenceNumber,
		NodeType:           node.NodeType,
	}
	return registry.FormatDisplay(entry)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// semanticCacheKey keys the short-lived semantic cache on the course plus a
// prefix of the query embedding and the active filters.
func semanticCacheKey(courseID string, embedding []float32, filters models.NodeFilters) string {
	n := len(embedding)
	if n > 8 {
		n = 8
	}
	prefix := make([]string, 0, n)
	for _, v := range embedding[:n] {
		prefix = append(prefix, fmt.Sprintf("%.6f", v))
	}
	raw := fmt.Sprintf("%s|%s|%d|%s|%s",
		courseID, strings.Join(prefix, ","), filters.Day, filters.ContainerType, filters.PrimaryTopic)
	return utils.HashString(raw)
}

func truncate(nodes []ScoredNode, limit int) []ScoredNode {
	if len(nodes) > limit {
		return nodes[:limit]
	}
	return nodes
}
