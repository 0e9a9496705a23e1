package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/resolver"
	"github.com/course-coach/backend/internal/retrieval"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

const notCoveredAnswer = "I could not find this in the course material, so I would rather not guess. " +
	"Try rephrasing with the terms the course uses, or point me at a specific chapter or lab."

const errorAnswer = "I encountered an error while working on your question. Please try again."

const answerSystemPromptFmt = `You are a course coach explaining course material to a student.

Hard rules:
1. NEVER mention any location in the course. No day numbers, chapter numbers,
   lab numbers, step numbers, or reference codes of any kind.
2. Use ONLY the provided course content. Do not bring in outside knowledge.
3. If the provided content does not answer the question, say so plainly:
   "This is not covered in the material I have."
4. Keep the explanation between %d and %d words.`

const labGuidanceRule = `
5. The student is working on a lab. NEVER give the direct solution. Guide
   them with questions and hints they can work through themselves.`

// Normalizer converts raw text into an intent-classified structure.
type Normalizer interface {
	Normalize(ctx context.Context, question string) *models.NormalizedQuery
}

// Expander widens concepts with semantic-equivalent variants.
type Expander interface {
	Expand(ctx context.Context, concepts []string, intentType string) []string
}

// ExplicitResolver detects user-stated locations.
type ExplicitResolver interface {
	Resolve(ctx context.Context, courseID, question string) (*resolver.Resolution, error)
}

// Searcher is the hybrid retrieval fallback.
type Searcher interface {
	HybridSearch(ctx context.Context, normalizedQuestion string, concepts []string, courseID string, filters models.NodeFilters, limit int) ([]retrieval.ScoredNode, error)
}

// Generator produces the constrained explanation.
type Generator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Recorder persists the query trace. Best-effort: recording failures never
// affect the response.
type Recorder interface {
	InsertQueryRecord(record *models.QueryRecord) error
	InsertQueryReference(ref *models.QueryReference) error
}

// AnswerCache is an optional cross-replica response cache.
type AnswerCache interface {
	GetAnswer(ctx context.Context, key string, out interface{}) (bool, error)
	SetAnswer(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Request is one question to answer.
type Request struct {
	Question string
	CourseID string
	UserID   string
	Filters  models.NodeFilters
	Limit    int
}

// Response is what the pipeline produces: a fully assembled
// reference-backed answer, a clean "not covered" refusal, or a clean error
// message. Never anything partial.
type Response struct {
	Success       bool                   `json:"success"`
	QueryID       string                 `json:"query_id"`
	Answer        string                 `json:"answer"`
	References    models.ReferenceBundle `json:"references"`
	Confidence    float64                `json:"confidence"`
	Source        string                 `json:"source"`
	HasReferences bool                   `json:"has_references"`
	LatencyMS     int                    `json:"latency_ms"`
	Warnings      []string               `json:"warnings,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	RetrievalLimit   int
	MaxSecondaryRefs int
	AnswerMinWords   int
	AnswerMaxWords   int
	AnswerCacheTTL   time.Duration
}

// Pipeline is the strict two-step controller: step one produces a grounded
// node set, step two constrains generation to exactly that set and
// reattaches system-owned references.
type Pipeline struct {
	normalizer Normalizer
	expander   Expander
	resolver   ExplicitResolver
	searcher   Searcher
	registry   *registry.Registry
	generator  Generator
	recorder   Recorder
	cache      AnswerCache
	cfg        Config
}

func New(n Normalizer, e Expander, r ExplicitResolver, s Searcher, reg *registry.Registry, g Generator, cfg Config) *Pipeline {
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 10
	}
	if cfg.MaxSecondaryRefs <= 0 {
		cfg.MaxSecondaryRefs = 4
	}
	if cfg.AnswerMinWords <= 0 {
		cfg.AnswerMinWords = 50
	}
	if cfg.AnswerMaxWords <= 0 {
		cfg.AnswerMaxWords = 300
	}
	return &Pipeline{
		normalizer: n,
		expander:   e,
		resolver:   r,
		searcher:   s,
		registry:   reg,
		generator:  g,
		cfg:        cfg,
	}
}

// WithRecorder attaches query-history persistence.
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// WithAnswerCache attaches the optional response cache.
func (p *Pipeline) WithAnswerCache(c AnswerCache) *Pipeline {
	p.cache = c
	return p
}

// ProcessQuery runs the full pipeline for one question. It never returns an
// error: contract violations and unexpected failures are converted into a
// generic error response at this single fence.
func (p *Pipeline) ProcessQuery(ctx context.Context, req Request) (resp *Response) {
	startTime := time.Now()
	queryID := uuid.New().String()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked",
				zap.String("query_id", queryID),
				zap.Any("panic", r),
			)
			resp = p.errorResponse(queryID)
		}
		if resp != nil {
			resp.LatencyMS = int(time.Since(startTime).Milliseconds())
			metrics.QueryTotal.WithLabelValues(resp.Source).Inc()
			metrics.QueryDuration.WithLabelValues(resp.Source).Observe(time.Since(startTime).Seconds())
			metrics.ConfidenceScore.Observe(resp.Confidence)
		}
	}()

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.String("course_id", req.CourseID),
		zap.String("question", req.Question),
	)

	cacheKey := answerCacheKey(req.CourseID, req.Question)
	if p.cache != nil {
		var cached Response
		if ok, err := p.cache.GetAnswer(ctx, cacheKey, &cached); err == nil && ok {
			metrics.CacheHits.WithLabelValues("answer").Inc()
			cached.QueryID = queryID
			return &cached
		}
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}

	resp, err := p.run(ctx, queryID, req, startTime)
	if err != nil {
		if errs.IsValidation(err) {
			// Contract violations indicate an integration bug; log loudly
			// before converting at this fence.
			logger.Error("Pipeline contract violation",
				zap.String("query_id", queryID),
				zap.Error(err),
			)
		} else {
			logger.Error("Pipeline failed",
				zap.String("query_id", queryID),
				zap.Error(err),
			)
		}
		return p.errorResponse(queryID)
	}

	if p.cache != nil && resp.Success {
		if err := p.cache.SetAnswer(ctx, cacheKey, resp, p.cfg.AnswerCacheTTL); err != nil {
			logger.Warn("Failed to cache answer", zap.Error(err))
		}
	}

	return resp
}

func (p *Pipeline) run(ctx context.Context, queryID string, req Request, startTime time.Time) (*Response, error) {
	// Normalize.
	norm := p.normalizer.Normalize(ctx, req.Question)

	// Expand.
	expanded := p.expander.Expand(ctx, norm.AllConcepts(), norm.IntentType)

	// Resolve: explicit first, on the original question; hybrid retrieval
	// over the normalized question and expanded concepts as fallback.
	nodeSet, err := p.resolve(ctx, req, norm, expanded)
	if errors.Is(err, errs.ErrNoGrounding) {
		return p.notCoveredResponse(queryID, nil), nil
	}
	if err != nil {
		return nil, err
	}

	// Validate and fetch: every candidate reference is re-checked against
	// the registry at request time, guarding against concurrent reindexing.
	nodes, dropped, err := p.validateAndFetch(ctx, req.CourseID, nodeSet.Nodes)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		nodeSet.Warnings = append(nodeSet.Warnings,
			fmt.Sprintf("%d stale references dropped during validation", dropped))
	}
	if len(nodes) == 0 {
		return p.notCoveredResponse(queryID, nodeSet.Warnings), nil
	}

	// Generate, constrained to the fetched node set.
	explanation, err := p.generate(ctx, req.Question, norm, nodes)
	if err != nil {
		return nil, err
	}

	// Strip any citation text the model invented.
	stripped, removed := StripReferences(explanation)
	if len(removed) > 0 {
		logger.Warn("Stripped model-invented references",
			zap.String("query_id", queryID),
			zap.Strings("removed", removed),
		)
		metrics.StrippedReferences.Add(float64(len(removed)))
	}

	// Reattach system-owned references.
	bundle := p.AssembleReferences(ctx, req.CourseID, nodes, p.cfg.MaxSecondaryRefs)
	answer := AssembleAnswer(norm, stripped)

	resp := &Response{
		Success:       true,
		QueryID:       queryID,
		Answer:        answer,
		References:    bundle,
		Confidence:    nodeSet.Confidence,
		Source:        nodeSet.Source,
		HasReferences: bundle.Primary != nil,
		Warnings:      nodeSet.Warnings,
	}

	p.record(queryID, req, resp, len(nodes), len(removed), startTime)

	logger.Info("Query processed",
		zap.String("query_id", queryID),
		zap.String("source", resp.Source),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("nodes", len(nodes)),
	)

	return resp, nil
}

// resolve is step one: a grounded node set, explicit resolution taking
// precedence over semantic search.
func (p *Pipeline) resolve(ctx context.Context, req Request, norm *models.NormalizedQuery, expanded []string) (*models.ResolvedNodeSet, error) {
	res, err := p.resolver.Resolve(ctx, req.CourseID, req.Question)
	if err != nil && !errs.IsValidation(err) {
		return nil, err
	}
	if err == nil && len(res.Nodes) > 0 {
		return &models.ResolvedNodeSet{
			Nodes:      res.Nodes,
			Source:     models.SourceExplicit,
			Confidence: res.Confidence,
			Warnings:   res.Warnings,
		}, nil
	}

	if norm.NormalizedQuestion == "" || len(expanded) == 0 {
		// Nothing to search with; hybrid search would reject these inputs
		// by contract.
		return nil, errs.ErrNoGrounding
	}

	limit := req.Limit
	if limit <= 0 {
		limit = p.cfg.RetrievalLimit
	}

	hits, err := p.searcher.HybridSearch(ctx, norm.NormalizedQuestion, expanded, req.CourseID, req.Filters, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, errs.ErrNoGrounding
	}

	nodes := make([]models.ContentNode, 0, len(hits))
	confidence := 0.0
	for i, hit := range hits {
		nodes = append(nodes, hit.Node)
		if i == 0 {
			confidence = hit.Similarity
			if confidence == 0 {
				confidence = hit.Relevance
			}
		}
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &models.ResolvedNodeSet{
		Nodes:      nodes,
		Source:     models.SourceSemantic,
		Confidence: confidence,
	}, nil
}

// validateAndFetch re-resolves every candidate against the registry and
// fetches fresh content for the survivors.
func (p *Pipeline) validateAndFetch(ctx context.Context, courseID string, candidates []models.ContentNode) ([]models.ContentNode, int, error) {
	refs := make([]string, 0, len(candidates))
	for _, n := range candidates {
		if p.registry.Exists(ctx, courseID, n.CanonicalReference) {
			refs = append(refs, n.CanonicalReference)
		}
	}
	dropped := len(candidates) - len(refs)
	if len(refs) == 0 {
		return nil, dropped, nil
	}

	nodes, err := p.registry.FetchNodes(ctx, courseID, refs)
	if err != nil {
		return nil, dropped, fmt.Errorf("failed to fetch node content: %w", err)
	}
	dropped += len(refs) - len(nodes)
	return nodes, dropped, nil
}

func (p *Pipeline) generate(ctx context.Context, question string, norm *models.NormalizedQuery, nodes []models.ContentNode) (string, error) {
	systemPrompt := fmt.Sprintf(answerSystemPromptFmt, p.cfg.AnswerMinWords, p.cfg.AnswerMaxWords)
	if norm.Category == models.CategoryLabGuidance {
		systemPrompt += labGuidanceRule
	}

	var b strings.Builder
	b.WriteString("Student question: ")
	b.WriteString(question)
	b.WriteString("\n\nCourse content:\n")
	for i, node := range nodes {
		fmt.Fprintf(&b, "\n--- excerpt %d ---\n%s\n", i+1, node.Content)
	}

	resp, err := p.generator.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.3,
		MaxTokens:    600,
	})
	if err != nil {
		return "", err
	}

	metrics.ProviderTokens.WithLabelValues("generate").Add(float64(resp.TokensUsed))
	return strings.TrimSpace(resp.Content), nil
}

func (p *Pipeline) record(queryID string, req Request, resp *Response, nodeCount, strippedCount int, startTime time.Time) {
	if p.recorder == nil {
		return
	}

	err := p.recorder.InsertQueryRecord(&models.QueryRecord{
		ID:           queryID,
		CourseID:     req.CourseID,
		UserID:       req.UserID,
		Question:     req.Question,
		Answer:       resp.Answer,
		Source:       resp.Source,
		Confidence:   resp.Confidence,
		NodeCount:    nodeCount,
		StrippedRefs: strippedCount,
		LatencyMS:    int(time.Since(startTime).Milliseconds()),
		CreatedAt:    time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to record query", zap.Error(err))
		return
	}

	store := func(ref *models.Reference, isPrimary bool) {
		if ref == nil {
			return
		}
		err := p.recorder.InsertQueryReference(&models.QueryReference{
			QueryID:            queryID,
			CanonicalReference: ref.CanonicalReference,
			Display:            ref.Display,
			IsPrimary:          isPrimary,
		})
		if err != nil {
			logger.Warn("Failed to record reference", zap.Error(err))
		}
	}
	store(resp.References.Primary, true)
	for i := range resp.References.Secondary {
		store(&resp.References.Secondary[i], false)
	}
}

func (p *Pipeline) notCoveredResponse(queryID string, warnings []string) *Response {
	return &Response{
		Success:       true,
		QueryID:       queryID,
		Answer:        notCoveredAnswer,
		Confidence:    0.0,
		Source:        models.SourceNoNodes,
		HasReferences: false,
		Warnings:      warnings,
	}
}

func (p *Pipeline) errorResponse(queryID string) *Response {
	return &Response{
		Success:       false,
		QueryID:       queryID,
		Answer:        errorAnswer,
		Confidence:    0.0,
		Source:        models.SourceError,
		HasReferences: false,
	}
}

func answerCacheKey(courseID, question string) string {
	return courseID + "|" + strings.ToLower(strings.TrimSpace(question))
}
