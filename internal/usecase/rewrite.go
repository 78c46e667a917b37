package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"docchat/internal/domain"
	"docchat/internal/metrics"
)

const (
	minRewriteRunes = 5
	maxRewriteRunes = 300
)

// Generator is a text-completion service.
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Rewriter turns a follow-up question into a standalone retrieval query.
type Rewriter struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
}

func NewRewriter(gen Generator, timeout time.Duration, logger *slog.Logger) (*Rewriter, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{gen: gen, timeout: timeout, logger: logger}, nil
}

// Rewrite never fails: any generation error or implausible output yields the
// original query.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []domain.Message) string {
	if len(history) == 0 {
		return query
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.gen.Complete(callCtx, buildRewritePrompt(query, history))
	if err != nil {
		r.fallback("generate_error", err)
		return query
	}

	rewritten := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(rewritten)
	switch {
	case n == 0:
		r.fallback("empty", nil)
		return query
	case n < minRewriteRunes:
		r.fallback("too_short", nil)
		return query
	case n > maxRewriteRunes:
		r.fallback("too_long", nil)
		return query
	}
	return rewritten
}

func (r *Rewriter) fallback(reason string, err error) {
	metrics.RewriteFallback(reason)
	if err != nil {
		r.logger.Debug("query rewrite fell back to original", "reason", reason, "err", err)
		return
	}
	r.logger.Debug("query rewrite fell back to original", "reason", reason)
}
