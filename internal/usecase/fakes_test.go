package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"docchat/internal/domain"
	"docchat/internal/repository"
)

// memStore is an in-memory ConversationStore with per-operation failure hooks.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]*domain.Conversation
	messages map[string][]domain.Message
	seq      int

	createErr error
	existsErr error
	listErr   error
	deleteErr error
	// appendErr is consulted for every append; returning non-nil fails it.
	appendErr func(role domain.Role) error

	listLimits []int
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[string]*domain.Conversation),
		messages: make(map[string][]domain.Message),
	}
}

func (m *memStore) CreateConversation(_ context.Context, documentFilter string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.seq++
	id := fmt.Sprintf("conv-%d", m.seq)
	m.convs[id] = &domain.Conversation{ID: id, Title: domain.DefaultTitle, DocumentFilter: documentFilter}
	return id, nil
}

func (m *memStore) AppendMessage(_ context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		if err := m.appendErr(role); err != nil {
			return "", err
		}
	}
	conv, ok := m.convs[conversationID]
	if !ok {
		return "", repository.ErrConversationNotFound
	}
	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	m.messages[conversationID] = append(m.messages[conversationID], domain.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
	})
	if role == domain.RoleHuman && conv.Title == domain.DefaultTitle {
		conv.Title = domain.Excerpt(content, 50)
	}
	return id, nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listLimits = append(m.listLimits, limit)
	if m.listErr != nil {
		return nil, m.listErr
	}
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (m *memStore) ListConversations(_ context.Context, documentFilter string) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		if documentFilter == "" || c.DocumentFilter == documentFilter {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) DeleteConversation(_ context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	if _, ok := m.convs[conversationID]; !ok {
		return false, nil
	}
	delete(m.convs, conversationID)
	delete(m.messages, conversationID)
	return true, nil
}

func (m *memStore) Exists(_ context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.convs[conversationID]
	return ok, nil
}

func (m *memStore) transcript(id string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.messages[id]...)
}

// scriptedGenerator replays responses in order and records every prompt.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []genResponse
	prompts   []string
}

type genResponse struct {
	text string
	err  error
}

func (g *scriptedGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if len(g.responses) == 0 {
		return "", errors.New("no generator response configured")
	}
	r := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return r.text, r.err
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type fakeRetriever struct {
	mu         sync.Mutex
	candidates []domain.Candidate
	err        error
	queries    []string
	filters    []string
	ks         []int
}

func (f *fakeRetriever) Search(_ context.Context, query, documentFilter string, k int) ([]domain.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.filters = append(f.filters, documentFilter)
	f.ks = append(f.ks, k)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.candidates) > k {
		return f.candidates[:k], nil
	}
	return f.candidates, nil
}

func expectUsecaseError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
	return usecaseErr
}
