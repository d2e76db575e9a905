package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/metrics"
	"github.com/kgengine/backend/pkg/circuitbreaker"
	"github.com/kgengine/backend/pkg/logger"
	"github.com/kgengine/backend/pkg/retry"
)

const batchSize = 100

// Client produces entity embeddings. Entity extraction itself happens
// upstream; this client only turns entity text into vectors.
type Client struct {
	client         *openai.Client
	embeddingModel string
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, embeddingModel string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("embeddings", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
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

	logger.Info("Embedding client initialized", zap.String("embedding_model", embeddingModel))

	return &Client{
		client:         openai.NewClient(apiKey),
		embeddingModel: embeddingModel,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Model() string {
	return c.embeddingModel
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, end-i)
		for j, t := range texts[i:end] {
			// The API rejects empty input.
			if strings.TrimSpace(t) == "" {
				t = " "
			}
			batch[j] = t
		}

		var out [][]float32
		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)
				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data))
				}

				out = make([][]float32, len(resp.Data))
				for _, d := range resp.Data {
					if d.Index < 0 || d.Index >= len(out) {
						return fmt.Errorf("embedding index %d out of range", d.Index)
					}
					out[d.Index] = d.Embedding
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}

		embeddings = append(embeddings, out...)

		logger.Debug("Batch embeddings generated",
			zap.Int("batch_start", i),
			zap.Int("batch_size", len(batch)),
		)
	}

	return embeddings, nil
}
