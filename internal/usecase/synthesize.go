package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docchat/internal/domain"
)

const sourceExcerptRunes = 300

type Answer struct {
	Text    string
	Sources []domain.Source
}

// Synthesizer asks the generation service for an answer grounded in the
// retrieved candidates.
type Synthesizer struct {
	gen     Generator
	timeout time.Duration
}

func NewSynthesizer(gen Generator, timeout time.Duration) (*Synthesizer, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	return &Synthesizer{gen: gen, timeout: timeout}, nil
}

// Synthesize prompts with full candidate content; only the returned sources
// are truncated.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, candidates []domain.Candidate, history []domain.Message) (Answer, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	text, err := s.gen.Complete(callCtx, buildAnswerPrompt(query, candidates, history))
	if err != nil {
		return Answer{}, fmt.Errorf("usecase: generate answer: %w", err)
	}
	return Answer{Text: text, Sources: toSources(candidates)}, nil
}

func toSources(candidates []domain.Candidate) []domain.Source {
	sources := make([]domain.Source, 0, len(candidates))
	for _, c := range candidates {
		sources = append(sources, domain.Source{
			Content:    domain.Excerpt(c.Content, sourceExcerptRunes),
			Metadata:   c.Metadata,
			Score:      c.Score,
			DocumentID: c.DocumentID,
			FileName:   c.FileName,
		})
	}
	return sources
}
