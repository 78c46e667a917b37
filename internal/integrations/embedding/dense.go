// Package embedding provides the dense and sparse text embedders used for
// indexing and hybrid search.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DenseConfig configures an OpenAI-compatible embeddings endpoint.
type DenseConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// Dense computes dense vectors through an OpenAI-compatible embeddings API.
type Dense struct {
	client     *openai.Client
	model      string
	dimensions int
}

func NewDense(cfg DenseConfig) (*Dense, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("embedding: model must not be empty")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Dense{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (d *Dense) EmbedDense(ctx context.Context, text string) ([]float32, error) {
	vectors, err := d.EmbedDenseBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDenseBatch embeds texts in one request, preserving input order.
func (d *Dense) EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedding: no texts provided")
	}
	resp, err := d.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(d.model),
		Dimensions: d.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: vector index %d out of range", data.Index)
		}
		if d.dimensions > 0 && len(data.Embedding) != d.dimensions {
			return nil, fmt.Errorf("embedding: expected dimension %d, got %d", d.dimensions, len(data.Embedding))
		}
		vectors[data.Index] = data.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding: missing vector for input %d", i)
		}
	}
	return vectors, nil
}
