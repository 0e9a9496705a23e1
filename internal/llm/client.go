package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/pkg/circuitbreaker"
	"github.com/course-coach/backend/pkg/logger"
	"github.com/course-coach/backend/pkg/retry"
)

// Client wraps the OpenAI API behind circuit breaking and retries. All
// failures surface as *errs.ProviderError so callers can apply their
// documented degradation policies.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	batchSize      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float32
	MaxTokens    int
	JSONResponse bool
}

type CompletionResponse struct {
	Content    string
	TokensUsed int
}

type Options struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	BatchSize      int
	TimeoutSec     int
}

func NewClient(opts Options) *Client {
	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.TimeoutSec <= 0 {
		opts.TimeoutSec = 30
	}

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClient(opts.APIKey),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		batchSize:      opts.BatchSize,
		timeout:        time.Duration(opts.TimeoutSec) * time.Second,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONResponse {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("Completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content:    resp.Choices[0].Message.Content,
				TokensUsed: resp.Usage.TotalTokens,
			}
			return nil
		})
	})
	if err != nil {
		return nil, &errs.ProviderError{Op: "complete", Err: err}
	}

	return result, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response was empty")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, &errs.ProviderError{Op: "embed", Err: err}
	}

	return embedding, nil
}

// EmbedBatch generates embeddings for texts in fixed-size batches issued in
// parallel, bounded to respect provider rate limits. Result order matches
// the input order regardless of batch completion order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += c.batchSize {
		start := start
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		g.Go(func() error {
			return c.cb.Execute(gctx, func() error {
				return retry.Do(gctx, c.retryConfig, func() error {
					resp, err := c.client.CreateEmbeddings(gctx, openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					})
					if err != nil {
						return fmt.Errorf("failed to generate batch embeddings: %w", err)
					}
					if len(resp.Data) != len(batch) {
						return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch))
					}

					mu.Lock()
					for i, data := range resp.Data {
						vec := make([]float32, len(data.Embedding))
						copy(vec, data.Embedding)
						embeddings[start+i] = vec
					}
					mu.Unlock()
					return nil
				})
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, &errs.ProviderError{Op: "embed_batch", Err: err}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}
