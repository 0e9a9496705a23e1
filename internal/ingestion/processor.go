package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/internal/storage/sqlite"
	"github.com/course-coach/backend/pkg/logger"
)

// Invalidator clears cached answers after reingestion.
type Invalidator interface {
	InvalidateAnswers(ctx context.Context) error
}

// Embedder produces embedding vectors for node content.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ContainerInput is one chapter or lab worth of authored HTML plus its
// topic metadata.
type ContainerInput struct {
	CourseID      string
	Day           int
	ContainerType string
	ContainerSeq  int
	Title         string
	HTML          string
	PrimaryTopic  string
	Aliases       []string
	Keywords      []string
}

type Processor struct {
	db       *sqlite.Client
	embedder Embedder
	registry *registry.Registry
	cache    Invalidator
}

func NewProcessor(db *sqlite.Client, embedder Embedder, reg *registry.Registry) *Processor {
	return &Processor{
		db:       db,
		embedder: embedder,
		registry: reg,
	}
}

// WithCache attaches the optional answer-cache invalidator.
func (p *Processor) WithCache(c Invalidator) *Processor {
	p.cache = c
	return p
}

// ProcessContainer parses one container's HTML into addressable nodes,
// embeds them, versions them into storage, and rebuilds the registry.
// Canonical references are deterministic for a given document structure, so
// reingesting unchanged content produces the same references.
func (p *Processor) ProcessContainer(ctx context.Context, in ContainerInput) (int, error) {
	if in.CourseID == "" {
		return 0, fmt.Errorf("course_id is required")
	}
	if in.ContainerType != models.ContainerChapter && in.ContainerType != models.ContainerLab {
		return 0, fmt.Errorf("unknown container type %q", in.ContainerType)
	}
	if in.Day < 1 || in.ContainerSeq < 1 {
		return 0, fmt.Errorf("day and container sequence must be positive")
	}

	logger.Info("Processing container",
		zap.String("course_id", in.CourseID),
		zap.Int("day", in.Day),
		zap.String("container_type", in.ContainerType),
		zap.Int("container_seq", in.ContainerSeq),
	)

	segments, err := p.parseHTML(in)
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, fmt.Errorf("no content extracted from HTML")
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.content
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed nodes: %w", err)
	}
	if len(embeddings) != len(segments) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(segments))
	}

	containerID := strings.ToLower(fmt.Sprintf("%s-%d-%s-%d",
		in.CourseID, in.Day, in.ContainerType, in.ContainerSeq))

	now := time.Now()
	for i, seg := range segments {
		node := &models.ContentNode{
			ID:                   uuid.New().String(),
			CanonicalReference:   seg.ref,
			CourseID:             in.CourseID,
			Day:                  in.Day,
			ContainerType:        in.ContainerType,
			ContainerID:          containerID,
			ContainerTitle:       in.Title,
			SequenceNumber:       seg.seq,
			NodeType:             seg.nodeType,
			Content:              seg.content,
			Embedding:            embeddings[i],
			PrimaryTopic:         in.PrimaryTopic,
			Aliases:              in.Aliases,
			Keywords:             in.Keywords,
			IsDedicatedTopicNode: seg.dedicated,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := p.db.UpsertNode(ctx, node); err != nil {
			return 0, fmt.Errorf("failed to upsert node %s: %w", seg.ref, err)
		}
		metrics.NodesIngested.Inc()
	}

	if err := p.db.RebuildRegistry(ctx, in.CourseID); err != nil {
		return 0, fmt.Errorf("failed to rebuild registry: %w", err)
	}
	p.registry.ClearCache()

	if p.cache != nil {
		if err := p.cache.InvalidateAnswers(ctx); err != nil {
			logger.Warn("Failed to invalidate answer cache", zap.Error(err))
		}
	}

	logger.Info("Container processed",
		zap.String("container_id", containerID),
		zap.Int("nodes", len(segments)),
	)

	return len(segments), nil
}

// segment is one parsed node before persistence.
type segment struct {
	ref       string
	nodeType  string
	seq       int
	content   string
	dedicated bool
}

var (
	definitionPattern = regexp.MustCompile(`(?i)^[\w' -]{2,60}\s+(is|are|refers to|means|stands for)\s`)
	examplePattern    = regexp.MustCompile(`(?i)\b(for example|for instance|e\.g\.|such as)\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// parseHTML walks the document in order and classifies each block element
// into a node type. Sequence numbers are per type, in document order, which
// keeps references stable across reingestion of unchanged content.
func (p *Processor) parseHTML(in ContainerInput) ([]segment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	counters := make(map[string]int)
	var segments []segment

	add := func(nodeType, content string, dedicated bool) {
		content = whitespacePattern.ReplaceAllString(strings.TrimSpace(content), " ")
		if content == "" {
			return
		}
		counters[nodeType]++
		seq := counters[nodeType]
		ref := registry.BuildRef(in.Day, in.ContainerType, in.ContainerSeq, models.NodeTypeCodes[nodeType], seq)
		segments = append(segments, segment{
			ref:       ref,
			nodeType:  nodeType,
			seq:       seq,
			content:   content,
			dedicated: dedicated,
		})
	}

	topicFold := strings.ToLower(in.PrimaryTopic)

	doc.Find("body").Children().Each(func(i int, s *goquery.Selection) {
		p.classify(s, add, topicFold)
	})

	// Some authored fragments have no body wrapper.
	if len(segments) == 0 {
		doc.Selection.Children().Each(func(i int, s *goquery.Selection) {
			p.classify(s, add, topicFold)
		})
	}

	return segments, nil
}

func (p *Processor) classify(s *goquery.Selection, add func(string, string, bool), topicFold string) {
	tag := goquery.NodeName(s)
	switch tag {
	case "h1", "h2", "h3", "h4":
		text := s.Text()
		dedicated := topicFold != "" && strings.Contains(strings.ToLower(text), topicFold)
		add(models.NodeHeading, text, dedicated)
	case "pre", "code":
		add(models.NodeCodeBlock, s.Text(), false)
	case "table":
		add(models.NodeTable, tableText(s), false)
	case "ol":
		// Ordered lists are step sequences. An introductory summary of the
		// whole sequence becomes a procedure node.
		var steps []string
		s.Find("li").Each(func(i int, li *goquery.Selection) {
			text := strings.TrimSpace(li.Text())
			if text == "" {
				return
			}
			steps = append(steps, text)
			add(models.NodeStep, text, false)
		})
		if len(steps) > 1 {
			add(models.NodeProcedure, strings.Join(steps, " Then "), false)
		}
	case "ul":
		s.Find("li").Each(func(i int, li *goquery.Selection) {
			add(models.NodeListItem, li.Text(), false)
		})
	case "p", "blockquote":
		text := strings.TrimSpace(s.Text())
		switch {
		case text == "":
		case definitionPattern.MatchString(text):
			dedicated := topicFold != "" && strings.Contains(strings.ToLower(text), topicFold)
			add(models.NodeDefinition, text, dedicated)
		case examplePattern.MatchString(text):
			add(models.NodeExample, text, false)
		default:
			dedicated := topicFold != "" && strings.Contains(strings.ToLower(text), topicFold)
			add(models.NodeConcept, text, dedicated)
		}
	case "div", "section", "article", "main":
		s.Children().Each(func(i int, child *goquery.Selection) {
			p.classify(child, add, topicFold)
		})
	}
}

func tableText(s *goquery.Selection) string {
	var rows []string
	s.Find("tr").Each(func(i int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(j int, cell *goquery.Selection) {
			text := strings.TrimSpace(cell.Text())
			if text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})
	return strings.Join(rows, "\n")
}
