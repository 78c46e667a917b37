package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docchat/internal/domain"
)

func sampleHistory() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleHuman, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first answer"},
		{Role: domain.RoleHuman, Content: "What does section 4 say about termination?"},
		{Role: domain.RoleAssistant, Content: strings.Repeat("b", 250)},
		{Role: domain.RoleHuman, Content: "Who signs it?"},
		{Role: domain.RoleAssistant, Content: "Both parties."},
	}
}

func newTestRewriter(t *testing.T, responses ...genResponse) (*Rewriter, *scriptedGenerator) {
	t.Helper()
	gen := &scriptedGenerator{responses: responses}
	rw, err := NewRewriter(gen, time.Second, nil)
	require.NoError(t, err)
	return rw, gen
}

func TestNewRewriter_ValidatesGenerator(t *testing.T) {
	_, err := NewRewriter(nil, 0, nil)
	require.Error(t, err)
}

func TestRewrite_EmptyHistory_ReturnsQueryWithoutCall(t *testing.T) {
	rw, gen := newTestRewriter(t, genResponse{text: "should not be used"})
	for _, q := range []string{"What is the notice period?", "", "it"} {
		require.Equal(t, q, rw.Rewrite(context.Background(), q, nil))
	}
	require.Zero(t, gen.calls())
}

func TestRewrite_ReturnsTrimmedStandaloneQuery(t *testing.T) {
	rw, gen := newTestRewriter(t, genResponse{text: "\n Who signs the lease agreement? \n"})
	got := rw.Rewrite(context.Background(), "Who signs it?", sampleHistory())
	require.Equal(t, "Who signs the lease agreement?", got)
	require.Equal(t, 1, gen.calls())
}

func TestRewrite_PromptUsesLastFourTruncatedEntries(t *testing.T) {
	rw, gen := newTestRewriter(t, genResponse{text: "standalone question"})
	rw.Rewrite(context.Background(), "And the penalty?", sampleHistory())

	prompt := gen.prompts[0]
	require.NotContains(t, prompt, "first question")
	require.NotContains(t, prompt, "first answer")
	require.Contains(t, prompt, "Human: What does section 4 say about termination?")
	require.Contains(t, prompt, "Assistant: "+strings.Repeat("b", 200)+"\n")
	require.NotContains(t, prompt, strings.Repeat("b", 201))
	require.Contains(t, prompt, "Follow-up question: And the penalty?")
}

func TestRewrite_FallsBack(t *testing.T) {
	cases := []struct {
		name string
		resp genResponse
	}{
		{name: "generation error", resp: genResponse{err: errors.New("connection refused")}},
		{name: "timeout", resp: genResponse{err: context.DeadlineExceeded}},
		{name: "empty", resp: genResponse{text: "   "}},
		{name: "too short", resp: genResponse{text: "ok"}},
		{name: "four runes", resp: genResponse{text: "why?"}},
		{name: "too long", resp: genResponse{text: strings.Repeat("x", 301)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw, _ := newTestRewriter(t, tc.resp)
			require.Equal(t, "What about it?", rw.Rewrite(context.Background(), "What about it?", sampleHistory()))
		})
	}
}

func TestRewrite_AcceptsBoundaryLengths(t *testing.T) {
	rw, _ := newTestRewriter(t, genResponse{text: "abcde"})
	require.Equal(t, "abcde", rw.Rewrite(context.Background(), "q", sampleHistory()))

	long := strings.Repeat("é", 300)
	rw, _ = newTestRewriter(t, genResponse{text: long})
	require.Equal(t, long, rw.Rewrite(context.Background(), "q", sampleHistory()))
}
