package retrieval

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

// Keyword tier relevance scores, in strict priority order.
const (
	relevancePrimaryTopic = 1.0
	relevanceAlias        = 0.95
	relevanceKeyword      = 0.8
)

// maxConceptWords is the longest token run that still counts as an extracted
// concept. Anything longer is almost certainly an unextracted raw question,
// which is the exact misuse this contract exists to reject.
const maxConceptWords = 6

// KeywordSearch matches already-extracted concepts against curated node
// metadata. It operates only on a non-empty concept list; passing something
// that is plainly a raw question is a programming error and fails loudly
// with a ValidationError rather than silently broadening the search.
//
// Tiers, in strict priority order with no cross-tier broadening:
// primary-topic partial match (1.0), alias containment (0.95), keyword
// containment (0.8). Within equal relevance, dedicated topic nodes rank
// first. Results are deduplicated by canonical reference before truncation.
func (s *Searcher) KeywordSearch(ctx context.Context, concepts []string, courseID string, filters models.NodeFilters, limit int) ([]ScoredNode, error) {
	if len(concepts) == 0 {
		return nil, errs.Validationf("keyword search requires a non-empty concept list")
	}
	for _, c := range concepts {
		if strings.TrimSpace(c) == "" {
			return nil, errs.Validationf("keyword search received an empty concept")
		}
		if len(strings.Fields(c)) > maxConceptWords {
			return nil, errs.Validationf("keyword search received a raw question instead of extracted concepts: %q", c)
		}
	}

	// Multi-word and longer concepts first: specific beats generic.
	ordered := make([]string, len(concepts))
	copy(ordered, concepts)
	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := len(strings.Fields(ordered[i])), len(strings.Fields(ordered[j]))
		if wi != wj {
			return wi > wj
		}
		return len(ordered[i]) > len(ordered[j])
	})

	type conceptHits struct {
		hits []ScoredNode
	}
	results := make([]conceptHits, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, concept := range ordered {
		i, concept := i, concept
		g.Go(func() error {
			hits, err := s.searchConcept(gctx, concept, courseID, filters, limit)
			if err != nil {
				return err
			}
			results[i].hits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge in concept order, then rank by tier priority. The merge is
	// deterministic regardless of which concurrent query finished first.
	merged := make([]ScoredNode, 0, limit*2)
	seen := make(map[string]bool)
	for _, r := range results {
		for _, hit := range r.hits {
			if seen[hit.Node.CanonicalReference] {
				continue
			}
			seen[hit.Node.CanonicalReference] = true
			merged = append(merged, hit)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Relevance != merged[j].Relevance {
			return merged[i].Relevance > merged[j].Relevance
		}
		return merged[i].Node.IsDedicatedTopicNode && !merged[j].Node.IsDedicatedTopicNode
	})

	logger.Debug("Keyword search completed",
		zap.Strings("concepts", ordered),
		zap.Int("hits", len(merged)),
	)

	return truncate(merged, limit), nil
}

// searchConcept runs the three tiers for one concept in strict priority
// order, deduplicating across tiers so a node keeps its highest relevance.
// The caller's filters narrow every tier, matching the semantic path.
func (s *Searcher) searchConcept(ctx context.Context, concept, courseID string, filters models.NodeFilters, limit int) ([]ScoredNode, error) {
	var hits []ScoredNode
	seen := make(map[string]bool)

	add := func(nodes []models.ContentNode, relevance float64) {
		for _, n := range nodes {
			if seen[n.CanonicalReference] {
				continue
			}
			seen[n.CanonicalReference] = true
			hits = append(hits, ScoredNode{
				Node:      n,
				Relevance: relevance,
				Display:   s.displayFor(ctx, &n),
			})
		}
	}

	topicNodes, err := s.store.FindByPrimaryTopic(ctx, courseID, concept, filters, limit)
	if err != nil {
		return nil, err
	}
	add(topicNodes, relevancePrimaryTopic)

	aliasNodes, err := s.store.FindByAlias(ctx, courseID, concept, filters, limit)
	if err != nil {
		return nil, err
	}
	add(aliasNodes, relevanceAlias)

	keywordNodes, err := s.store.FindByKeyword(ctx, courseID, concept, filters, limit)
	if err != nil {
		return nil, err
	}
	add(keywordNodes, relevanceKeyword)

	return hits, nil
}
