package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docchat/internal/domain"
)

const (
	DenseVectorName  = "dense"
	SparseVectorName = "sparse"

	defaultSubQueryLimit = 10
)

type DenseEmbedder interface {
	EmbedDense(ctx context.Context, text string) ([]float32, error)
}

type SparseEmbedder interface {
	EmbedSparse(ctx context.Context, text string) (domain.SparseVector, error)
}

// Index is a vector store with named dense and sparse vector spaces.
type Index interface {
	SearchDense(ctx context.Context, using string, vector []float32, documentFilter string, limit int) ([]domain.Candidate, error)
	SearchSparse(ctx context.Context, using string, vector domain.SparseVector, documentFilter string, limit int) ([]domain.Candidate, error)
}

type Options struct {
	RankConstant  int
	SubQueryLimit int
	// EmbedTimeout and SearchTimeout bound each individual call; zero means no
	// deadline beyond the caller's context.
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
	Logger        *slog.Logger
}

// Client answers hybrid searches over the index.
type Client struct {
	dense  DenseEmbedder
	sparse SparseEmbedder
	index  Index

	rankConstant  int
	subQueryLimit int
	embedTimeout  time.Duration
	searchTimeout time.Duration
	logger        *slog.Logger
}

func NewClient(dense DenseEmbedder, sparse SparseEmbedder, index Index, opts Options) (*Client, error) {
	if dense == nil {
		return nil, errors.New("retrieval: dense embedder must not be nil")
	}
	if sparse == nil {
		return nil, errors.New("retrieval: sparse embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("retrieval: index must not be nil")
	}
	if opts.RankConstant <= 0 {
		opts.RankConstant = DefaultRankConstant
	}
	if opts.SubQueryLimit <= 0 {
		opts.SubQueryLimit = defaultSubQueryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		dense:         dense,
		sparse:        sparse,
		index:         index,
		rankConstant:  opts.RankConstant,
		subQueryLimit: opts.SubQueryLimit,
		embedTimeout:  opts.EmbedTimeout,
		searchTimeout: opts.SearchTimeout,
		logger:        opts.Logger,
	}, nil
}

// Search embeds query both ways, runs the dense and sparse sub-queries
// concurrently and returns the top k fused candidates.
func (c *Client) Search(ctx context.Context, query, documentFilter string, k int) ([]domain.Candidate, error) {
	if k <= 0 {
		return []domain.Candidate{}, nil
	}

	var denseHits, sparseHits []domain.Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := withTimeout(gctx, c.embedTimeout, func(ctx context.Context) ([]float32, error) {
			return c.dense.EmbedDense(ctx, query)
		})
		if err != nil {
			return fmt.Errorf("retrieval: dense embedding: %w", err)
		}
		denseHits, err = withTimeout(gctx, c.searchTimeout, func(ctx context.Context) ([]domain.Candidate, error) {
			return c.index.SearchDense(ctx, DenseVectorName, vec, documentFilter, c.subQueryLimit)
		})
		if err != nil {
			return fmt.Errorf("retrieval: dense search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		vec, err := withTimeout(gctx, c.embedTimeout, func(ctx context.Context) (domain.SparseVector, error) {
			return c.sparse.EmbedSparse(ctx, query)
		})
		if err != nil {
			return fmt.Errorf("retrieval: sparse embedding: %w", err)
		}
		sparseHits, err = withTimeout(gctx, c.searchTimeout, func(ctx context.Context) ([]domain.Candidate, error) {
			return c.index.SearchSparse(ctx, SparseVectorName, vec, documentFilter, c.subQueryLimit)
		})
		if err != nil {
			return fmt.Errorf("retrieval: sparse search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(c.rankConstant, denseHits, sparseHits)
	c.logger.Debug("hybrid search",
		"dense_hits", len(denseHits),
		"sparse_hits", len(sparseHits),
		"fused", len(fused),
		"document_filter", documentFilter,
	)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func withTimeout[T any](ctx context.Context, d time.Duration, call func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return call(ctx)
}
