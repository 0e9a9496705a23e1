package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
)

type fakeNodeStore struct {
	candidates []models.ContentNode
	byTopic    map[string][]models.ContentNode
	byAlias    map[string][]models.ContentNode
	byKeyword  map[string][]models.ContentNode
	fetchErr   error
}

func (f *fakeNodeStore) FetchCandidates(ctx context.Context, courseID string, filters models.NodeFilters) ([]models.ContentNode, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return applyFilters(f.candidates, filters), nil
}

func (f *fakeNodeStore) FindByPrimaryTopic(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	return applyFilters(f.byTopic[concept], filters), nil
}

func (f *fakeNodeStore) FindByAlias(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	return applyFilters(f.byAlias[concept], filters), nil
}

func (f *fakeNodeStore) FindByKeyword(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	return applyFilters(f.byKeyword[concept], filters), nil
}

// applyFilters mirrors the narrowing the sqlite store performs in SQL.
func applyFilters(nodes []models.ContentNode, filters models.NodeFilters) []models.ContentNode {
	var out []models.ContentNode
	for _, n := range nodes {
		if filters.Day > 0 && n.Day != filters.Day {
			continue
		}
		if filters.ContainerType != "" && n.ContainerType != filters.ContainerType {
			continue
		}
		if filters.ContainerID != "" && n.ContainerID != filters.ContainerID {
			continue
		}
		out = append(out, n)
	}
	return out
}

type fakeEntryStore struct{}

func (f *fakeEntryStore) GetEntry(ctx context.Context, courseID, ref string) (*models.RegistryEntry, error) {
	return nil, nil
}

func (f *fakeEntryStore) GetNodesByRefs(ctx context.Context, courseID string, refs []string) ([]models.ContentNode, error) {
	return nil, nil
}

func (f *fakeEntryStore) NodesForContainerPrefix(ctx context.Context, courseID, prefix string) ([]models.ContentNode, error) {
	return nil, nil
}

type fakeEmbedder struct {
	embedding []float32
	err       error
	calls     int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.embedding, nil
}

type fakeEmbedCache struct {
	stored map[string][]float32
}

func (f *fakeEmbedCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	embedding, ok := f.stored[textHash]
	return embedding, ok, nil
}

func (f *fakeEmbedCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	f.stored[textHash] = embedding
	return nil
}

func node(ref string, embedding []float32) models.ContentNode {
	return models.ContentNode{
		CanonicalReference: ref,
		CourseID:           "course-1",
		Day:                1,
		ContainerType:      models.ContainerChapter,
		ContainerID:        "day1-ch1",
		NodeType:           models.NodeConcept,
		SequenceNumber:     1,
		Content:            "content for " + ref,
		Embedding:          embedding,
	}
}

func newTestSearcher(store *fakeNodeStore, embedder *fakeEmbedder) *Searcher {
	return NewSearcher(store, embedder, registry.New(&fakeEntryStore{}), 10, time.Minute)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{0, 0}))
}

func TestSearchSimilarNodesRanksBySimilarity(t *testing.T) {
	store := &fakeNodeStore{candidates: []models.ContentNode{
		node("D1.C1.C1", []float32{0, 1}),
		node("D1.C1.C2", []float32{1, 0}),
		node("D1.C1.C3", []float32{1, 1}),
	}}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.SearchSimilarNodes(context.Background(), []float32{1, 0}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "D1.C1.C2", hits[0].Node.CanonicalReference)
	assert.Equal(t, "D1.C1.C3", hits[1].Node.CanonicalReference)
	assert.Equal(t, "D1.C1.C1", hits[2].Node.CanonicalReference)
	assert.NotEmpty(t, hits[0].Display)
}

func TestSearchSimilarNodesSkipsNodesWithoutEmbedding(t *testing.T) {
	store := &fakeNodeStore{candidates: []models.ContentNode{
		node("D1.C1.C1", nil),
		node("D1.C1.C2", []float32{1, 0}),
	}}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.SearchSimilarNodes(context.Background(), []float32{1, 0}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D1.C1.C2", hits[0].Node.CanonicalReference)
}

func TestKeywordSearchRejectsEmptyConceptList(t *testing.T) {
	s := newTestSearcher(&fakeNodeStore{}, &fakeEmbedder{})

	_, err := s.KeywordSearch(context.Background(), nil, "course-1", models.NodeFilters{}, 10)

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestKeywordSearchRejectsRawQuestion(t *testing.T) {
	s := newTestSearcher(&fakeNodeStore{}, &fakeEmbedder{})

	_, err := s.KeywordSearch(context.Background(),
		[]string{"how do i do keyword research for my new blog"},
		"course-1", models.NodeFilters{}, 10)

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.True(t, strings.Contains(err.Error(), "raw question"))
}

func TestKeywordSearchTierPriority(t *testing.T) {
	topicNode := node("D1.C1.C1", nil)
	aliasNode := node("D1.C1.C2", nil)
	keywordNode := node("D1.C1.C3", nil)

	store := &fakeNodeStore{
		byTopic:   map[string][]models.ContentNode{"seo basics": {topicNode}},
		byAlias:   map[string][]models.ContentNode{"seo basics": {aliasNode}},
		byKeyword: map[string][]models.ContentNode{"seo basics": {keywordNode}},
	}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.KeywordSearch(context.Background(), []string{"seo basics"}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 1.0, hits[0].Relevance)
	assert.Equal(t, 0.95, hits[1].Relevance)
	assert.Equal(t, 0.8, hits[2].Relevance)
}

func TestKeywordSearchNodeKeepsHighestTier(t *testing.T) {
	n := node("D1.C1.C1", nil)
	store := &fakeNodeStore{
		byTopic:   map[string][]models.ContentNode{"seo basics": {n}},
		byKeyword: map[string][]models.ContentNode{"seo basics": {n}},
	}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.KeywordSearch(context.Background(), []string{"seo basics"}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1.0, hits[0].Relevance)
}

func TestKeywordSearchDedicatedNodesFirstWithinTier(t *testing.T) {
	plain := node("D1.C1.C1", nil)
	dedicated := node("D1.C1.C2", nil)
	dedicated.IsDedicatedTopicNode = true

	store := &fakeNodeStore{
		byTopic: map[string][]models.ContentNode{"seo basics": {plain, dedicated}},
	}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.KeywordSearch(context.Background(), []string{"seo basics"}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "D1.C1.C2", hits[0].Node.CanonicalReference)
}

func TestKeywordSearchAppliesDayFilter(t *testing.T) {
	dayOne := node("D1.C1.C1", nil)
	dayTwo := node("D2.C1.C1", nil)
	dayTwo.Day = 2

	store := &fakeNodeStore{
		byTopic: map[string][]models.ContentNode{"seo basics": {dayOne, dayTwo}},
	}
	s := newTestSearcher(store, &fakeEmbedder{})

	hits, err := s.KeywordSearch(context.Background(), []string{"seo basics"},
		"course-1", models.NodeFilters{Day: 2}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D2.C1.C1", hits[0].Node.CanonicalReference)
}

func TestHybridSearchAppliesDayFilterOnBothPaths(t *testing.T) {
	dayOneSemantic := node("D1.C1.C1", []float32{1, 0})
	dayOneKeyword := node("D1.C1.C2", nil)
	dayTwo := node("D2.C1.C1", []float32{1, 0})
	dayTwo.Day = 2

	store := &fakeNodeStore{
		candidates: []models.ContentNode{dayOneSemantic, dayTwo},
		byTopic:    map[string][]models.ContentNode{"seo basics": {dayOneKeyword, dayTwo}},
	}
	s := newTestSearcher(store, &fakeEmbedder{embedding: []float32{1, 0}})

	hits, err := s.HybridSearch(context.Background(), "what is seo", []string{"seo basics"},
		"course-1", models.NodeFilters{Day: 2}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D2.C1.C1", hits[0].Node.CanonicalReference)
}

func TestHybridSearchRejectsMissingInputs(t *testing.T) {
	s := newTestSearcher(&fakeNodeStore{}, &fakeEmbedder{embedding: []float32{1, 0}})
	ctx := context.Background()

	_, err := s.HybridSearch(ctx, "", []string{"seo"}, "course-1", models.NodeFilters{}, 10)
	assert.True(t, errs.IsValidation(err))

	_, err = s.HybridSearch(ctx, "what is seo", nil, "course-1", models.NodeFilters{}, 10)
	assert.True(t, errs.IsValidation(err))
}

func TestHybridSearchMergesSemanticFirst(t *testing.T) {
	shared := node("D1.C1.C1", []float32{1, 0})
	keywordOnly := node("D1.C1.C2", nil)

	store := &fakeNodeStore{
		candidates: []models.ContentNode{shared},
		byTopic:    map[string][]models.ContentNode{"seo basics": {shared, keywordOnly}},
	}
	s := newTestSearcher(store, &fakeEmbedder{embedding: []float32{1, 0}})

	hits, err := s.HybridSearch(context.Background(), "what is seo", []string{"seo basics"}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	// The shared node arrives via the semantic path with its similarity.
	assert.Equal(t, "D1.C1.C1", hits[0].Node.CanonicalReference)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
	assert.Equal(t, "D1.C1.C2", hits[1].Node.CanonicalReference)
	assert.Equal(t, 0.0, hits[1].Similarity)
}

func TestHybridSearchDegradesWhenEmbeddingFails(t *testing.T) {
	keywordOnly := node("D1.C1.C2", nil)
	store := &fakeNodeStore{
		byTopic: map[string][]models.ContentNode{"seo basics": {keywordOnly}},
	}
	s := newTestSearcher(store, &fakeEmbedder{err: errors.New("provider down")})

	hits, err := s.HybridSearch(context.Background(), "what is seo", []string{"seo basics"}, "course-1", models.NodeFilters{}, 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D1.C1.C2", hits[0].Node.CanonicalReference)
}

func TestHybridSearchPropagatesKeywordContractViolation(t *testing.T) {
	s := newTestSearcher(&fakeNodeStore{}, &fakeEmbedder{embedding: []float32{1, 0}})

	_, err := s.HybridSearch(context.Background(), "what is seo",
		[]string{"this concept is far too long to be an extracted concept"},
		"course-1", models.NodeFilters{}, 10)

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestHybridSearchReusesCachedQueryEmbedding(t *testing.T) {
	shared := node("D1.C1.C1", []float32{1, 0})
	store := &fakeNodeStore{candidates: []models.ContentNode{shared}}
	embedder := &fakeEmbedder{embedding: []float32{1, 0}}
	cache := &fakeEmbedCache{stored: make(map[string][]float32)}
	s := newTestSearcher(store, embedder).WithEmbeddingCache(cache)

	_, err := s.HybridSearch(context.Background(), "what is seo", []string{"seo basics"},
		"course-1", models.NodeFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Len(t, cache.stored, 1)

	_, err = s.HybridSearch(context.Background(), "what is seo", []string{"seo basics"},
		"course-1", models.NodeFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
}

func TestTruncate(t *testing.T) {
	nodes := []ScoredNode{{}, {}, {}}
	assert.Len(t, truncate(nodes, 2), 2)
	assert.Len(t, truncate(nodes, 5), 3)
}
