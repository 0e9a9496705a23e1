package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/resolver"
	"github.com/course-coach/backend/internal/retrieval"
	"github.com/course-coach/backend/internal/storage/models"
)

// stubEntryStore backs the registry in tests. With a nil known map every
// well-formed reference exists; otherwise only the listed ones do.
type stubEntryStore struct {
	known map[string]models.ContentNode
}

func (s *stubEntryStore) entryFor(ref string) *models.RegistryEntry {
	parts, err := registry.ParseRef(ref)
	if err != nil {
		return nil
	}
	containerID := fmt.Sprintf("day%d-ch%d", parts.Day, parts.ContainerSeq)
	if parts.ContainerType == models.ContainerLab {
		containerID = fmt.Sprintf("day%d-lab%d", parts.Day, parts.ContainerSeq)
	}
	return &models.RegistryEntry{
		CanonicalReference: ref,
		Day:                parts.Day,
		ContainerType:      parts.ContainerType,
		ContainerID:        containerID,
		NodeType:           models.CodeNodeTypes[parts.NodeCode],
		SequenceNumber:     parts.NodeSeq,
	}
}

func (s *stubEntryStore) GetEntry(ctx context.Context, courseID, ref string) (*models.RegistryEntry, error) {
	if s.known != nil {
		if _, ok := s.known[ref]; !ok {
			return nil, nil
		}
	}
	return s.entryFor(ref), nil
}

func (s *stubEntryStore) GetNodesByRefs(ctx context.Context, courseID string, refs []string) ([]models.ContentNode, error) {
	out := make([]models.ContentNode, 0, len(refs))
	for _, ref := range refs {
		if s.known != nil {
			if n, ok := s.known[ref]; ok {
				out = append(out, n)
			}
			continue
		}
		entry := s.entryFor(ref)
		if entry == nil {
			continue
		}
		out = append(out, models.ContentNode{
			CanonicalReference: ref,
			Day:                entry.Day,
			ContainerType:      entry.ContainerType,
			ContainerID:        entry.ContainerID,
			NodeType:           entry.NodeType,
			SequenceNumber:     entry.SequenceNumber,
			Content:            "content for " + ref,
		})
	}
	return out, nil
}

func (s *stubEntryStore) NodesForContainerPrefix(ctx context.Context, courseID, prefix string) ([]models.ContentNode, error) {
	return nil, nil
}

type scriptNormalizer struct {
	q *models.NormalizedQuery
}

func (s *scriptNormalizer) Normalize(ctx context.Context, question string) *models.NormalizedQuery {
	return s.q
}

type scriptExpander struct{}

func (s *scriptExpander) Expand(ctx context.Context, concepts []string, intentType string) []string {
	return concepts
}

type scriptResolver struct {
	res *resolver.Resolution
}

func (s *scriptResolver) Resolve(ctx context.Context, courseID, question string) (*resolver.Resolution, error) {
	return s.res, nil
}

type scriptSearcher struct {
	hits   []retrieval.ScoredNode
	called bool
}

func (s *scriptSearcher) HybridSearch(ctx context.Context, normalizedQuestion string, concepts []string, courseID string, filters models.NodeFilters, limit int) ([]retrieval.ScoredNode, error) {
	s.called = true
	return s.hits, nil
}

type scriptGenerator struct {
	content string
	err     error
	lastReq llm.CompletionRequest
}

func (s *scriptGenerator) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content, TokensUsed: 10}, nil
}

type memoryRecorder struct {
	records []*models.QueryRecord
	refs    []*models.QueryReference
}

func (m *memoryRecorder) InsertQueryRecord(record *models.QueryRecord) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memoryRecorder) InsertQueryReference(ref *models.QueryReference) error {
	m.refs = append(m.refs, ref)
	return nil
}

func contentQuery() *models.NormalizedQuery {
	return &models.NormalizedQuery{
		Category:           models.CategoryContent,
		NormalizedQuestion: "what is keyword research",
		PrimaryTopic:       "keyword research",
		PrimaryConcepts:    []string{"keyword research"},
		IntentType:         models.IntentDefinition,
		Confidence:         0.9,
	}
}

func explicitNode(ref string) models.ContentNode {
	return models.ContentNode{
		CanonicalReference: ref,
		Day:                1,
		ContainerType:      models.ContainerChapter,
		ContainerID:        "day1-ch1",
		NodeType:           models.NodeStep,
		SequenceNumber:     3,
		Content:            "content for " + ref,
	}
}

func TestProcessQueryExplicitPath(t *testing.T) {
	node := explicitNode("D1.C1.S3")
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{"D1.C1.S3": node}})
	recorder := &memoryRecorder{}

	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeExact, Nodes: []models.ContentNode{node}, Confidence: 1.0}},
		&scriptSearcher{},
		reg,
		&scriptGenerator{content: "Write descriptive titles. See Day 3 for details."},
		Config{MaxSecondaryRefs: 4},
	).WithRecorder(recorder)

	resp := p.ProcessQuery(context.Background(), Request{Question: "explain day 1 chapter 1 step 3", CourseID: "course-1", UserID: "u1"})

	assert.True(t, resp.Success)
	assert.Equal(t, models.SourceExplicit, resp.Source)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.True(t, resp.HasReferences)
	require.NotNil(t, resp.References.Primary)
	assert.Equal(t, "D1.C1.S3", resp.References.Primary.CanonicalReference)

	// The model-invented citation is stripped from the prose.
	assert.Contains(t, resp.Answer, "Write descriptive titles.")
	assert.NotContains(t, strings.ToLower(resp.Answer), "day 3")

	require.Len(t, recorder.records, 1)
	assert.Equal(t, models.SourceExplicit, recorder.records[0].Source)
	require.Len(t, recorder.refs, 1)
	assert.True(t, recorder.refs[0].IsPrimary)
}

func TestProcessQueryUsesConfiguredWordBounds(t *testing.T) {
	node := explicitNode("D1.C1.S3")
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{"D1.C1.S3": node}})
	gen := &scriptGenerator{content: "Write descriptive titles."}

	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeExact, Nodes: []models.ContentNode{node}, Confidence: 1.0}},
		&scriptSearcher{},
		reg,
		gen,
		Config{AnswerMinWords: 80, AnswerMaxWords: 200},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "explain day 1 chapter 1 step 3", CourseID: "course-1"})

	assert.True(t, resp.Success)
	assert.Contains(t, gen.lastReq.SystemPrompt, "between 80 and 200 words")
}

func TestProcessQuerySemanticFallback(t *testing.T) {
	node := explicitNode("D1.C2.C1")
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{"D1.C2.C1": node}})

	searcher := &scriptSearcher{hits: []retrieval.ScoredNode{{Node: node, Similarity: 0.87}}}
	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeNone}},
		searcher,
		reg,
		&scriptGenerator{content: "Keyword research finds the terms people search for."},
		Config{},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "what is keyword research?", CourseID: "course-1"})

	assert.True(t, resp.Success)
	assert.Equal(t, models.SourceSemantic, resp.Source)
	assert.InDelta(t, 0.87, resp.Confidence, 1e-9)
	assert.True(t, searcher.called)
	assert.True(t, resp.HasReferences)
}

func TestProcessQueryNoGrounding(t *testing.T) {
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{}})

	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeNone}},
		&scriptSearcher{},
		reg,
		&scriptGenerator{content: "should never be called"},
		Config{},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "what is quantum computing?", CourseID: "course-1"})

	assert.True(t, resp.Success)
	assert.Equal(t, models.SourceNoNodes, resp.Source)
	assert.Equal(t, 0.0, resp.Confidence)
	assert.False(t, resp.HasReferences)
	assert.Nil(t, resp.References.Primary)
	assert.NotContains(t, resp.Answer, "should never be called")
}

func TestProcessQueryEmptyConceptsSkipSearch(t *testing.T) {
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{}})
	searcher := &scriptSearcher{}

	q := contentQuery()
	q.PrimaryConcepts = nil

	p := New(
		&scriptNormalizer{q: q},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeNone}},
		searcher,
		reg,
		&scriptGenerator{},
		Config{},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "hmm?", CourseID: "course-1"})

	assert.Equal(t, models.SourceNoNodes, resp.Source)
	assert.False(t, searcher.called, "hybrid search must not run without concepts")
}

func TestProcessQueryStaleReferencesDropped(t *testing.T) {
	// The resolver saw the node, but by fetch time the registry no longer
	// knows it. The response must degrade to the no-grounding answer, not
	// cite a dead reference.
	stale := explicitNode("D1.C1.S9")
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{}})

	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeExact, Nodes: []models.ContentNode{stale}, Confidence: 1.0}},
		&scriptSearcher{},
		reg,
		&scriptGenerator{content: "should never be called"},
		Config{},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "explain D1.C1.S9", CourseID: "course-1"})

	assert.Equal(t, models.SourceNoNodes, resp.Source)
	assert.False(t, resp.HasReferences)
}

func TestProcessQueryGeneratorFailure(t *testing.T) {
	node := explicitNode("D1.C1.S3")
	reg := registry.New(&stubEntryStore{known: map[string]models.ContentNode{"D1.C1.S3": node}})

	p := New(
		&scriptNormalizer{q: contentQuery()},
		&scriptExpander{},
		&scriptResolver{res: &resolver.Resolution{Type: resolver.TypeExact, Nodes: []models.ContentNode{node}, Confidence: 1.0}},
		&scriptSearcher{},
		reg,
		&scriptGenerator{err: errors.New("provider down")},
		Config{},
	)

	resp := p.ProcessQuery(context.Background(), Request{Question: "explain D1.C1.S3", CourseID: "course-1"})

	assert.False(t, resp.Success)
	assert.Equal(t, models.SourceError, resp.Source)
	assert.Equal(t, errorAnswer, resp.Answer)
	assert.False(t, resp.HasReferences)
}
