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
	"docchat/internal/repository"
)

const (
	defaultHistoryWindow = 10
	defaultK             = 3
	defaultMaxK          = 20
	defaultMaxQueryRunes = 2000
)

// Stage is a step of the query pipeline. Stages only move forward.
type Stage string

const (
	StageStart                  Stage = "START"
	StageSessionResolved        Stage = "SESSION_RESOLVED"
	StageHistoryLoaded          Stage = "HISTORY_LOADED"
	StageUserTurnPersisted      Stage = "USER_TURN_PERSISTED"
	StageQueryRewritten         Stage = "QUERY_REWRITTEN"
	StageRetrieved              Stage = "RETRIEVED"
	StageAnswerSynthesized      Stage = "ANSWER_SYNTHESIZED"
	StageAssistantTurnPersisted Stage = "ASSISTANT_TURN_PERSISTED"
	StageDone                   Stage = "DONE"
	StageFailed                 Stage = "FAILED"
)

type ConversationStore interface {
	CreateConversation(ctx context.Context, documentFilter string) (string, error)
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (string, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListConversations(ctx context.Context, documentFilter string) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) (bool, error)
	Exists(ctx context.Context, conversationID string) (bool, error)
}

type Retriever interface {
	Search(ctx context.Context, query, documentFilter string, k int) ([]domain.Candidate, error)
}

type QueryRewriter interface {
	Rewrite(ctx context.Context, query string, history []domain.Message) string
}

type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, query string, candidates []domain.Candidate, history []domain.Message) (Answer, error)
}

type QueryInput struct {
	Query          string
	K              int
	DocumentFilter string
	ConversationID string
}

type QueryOutput struct {
	Query          string
	Answer         string
	Sources        []domain.Source
	NumSources     int
	ConversationID string
}

type QueryOptions struct {
	HistoryWindow int
	DefaultK      int
	MaxK          int
	MaxQueryRunes int
	Logger        *slog.Logger
}

// QueryService drives one question through the pipeline. The human turn is
// persisted before any upstream call so a failure later never loses it.
type QueryService struct {
	store       ConversationStore
	rewriter    QueryRewriter
	retriever   Retriever
	synthesizer AnswerSynthesizer
	locks       *keyedMutex
	logger      *slog.Logger

	historyWindow int
	defaultK      int
	maxK          int
	maxQueryRunes int
	now           func() time.Time
}

func NewQueryService(store ConversationStore, rw QueryRewriter, rt Retriever, syn AnswerSynthesizer, opts QueryOptions) (*QueryService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if rw == nil {
		return nil, errors.New("usecase: rewriter must not be nil")
	}
	if rt == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if syn == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = defaultK
	}
	if opts.MaxK <= 0 {
		opts.MaxK = defaultMaxK
	}
	if opts.MaxQueryRunes <= 0 {
		opts.MaxQueryRunes = defaultMaxQueryRunes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &QueryService{
		store:         store,
		rewriter:      rw,
		retriever:     rt,
		synthesizer:   syn,
		locks:         newKeyedMutex(),
		logger:        opts.Logger,
		historyWindow: opts.HistoryWindow,
		defaultK:      opts.DefaultK,
		maxK:          opts.MaxK,
		maxQueryRunes: opts.MaxQueryRunes,
		now:           time.Now,
	}, nil
}

// queryRun tracks the pipeline position of a single request.
type queryRun struct {
	svc            *QueryService
	stage          Stage
	started        time.Time
	conversationID string
}

func (r *queryRun) advance(next Stage) {
	r.stage = next
	metrics.ObserveStage(string(next), r.svc.now().Sub(r.started))
	r.svc.logger.Debug("query stage", "conversation_id", r.conversationID, "stage", string(next))
}

func (r *queryRun) fail(e *Error) *Error {
	e.Stage = r.stage
	r.svc.logger.Error("query failed",
		"conversation_id", r.conversationID,
		"stage", string(r.stage),
		"code", string(e.Code),
		"reason", e.Reason,
		"err", e.Err,
	)
	r.stage = StageFailed
	return e
}

func (s *QueryService) Query(ctx context.Context, in QueryInput) (out QueryOutput, err error) {
	defer func() {
		if err != nil {
			metrics.QueryDone(string(Code(err)))
			return
		}
		metrics.QueryDone("ok")
	}()

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return QueryOutput{}, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if utf8.RuneCountInString(query) > s.maxQueryRunes {
		return QueryOutput{}, newError(ErrorInvalidInput, "query_too_long", nil)
	}
	k := in.K
	if k == 0 {
		k = s.defaultK
	}
	if k < 0 || k > s.maxK {
		return QueryOutput{}, newError(ErrorInvalidInput, "k_out_of_range", nil)
	}
	documentFilter := strings.TrimSpace(in.DocumentFilter)

	run := &queryRun{svc: s, stage: StageStart, started: s.now()}

	// 1. Resolve session.
	convID := strings.TrimSpace(in.ConversationID)
	if convID != "" {
		run.conversationID = convID
		unlock, err := s.locks.Lock(ctx, convID)
		if err != nil {
			return QueryOutput{}, run.fail(newError(ErrorInternal, "conversation_busy", err))
		}
		defer unlock()

		ok, err := s.store.Exists(ctx, convID)
		if err != nil {
			return QueryOutput{}, run.fail(storeError("exists_error", err))
		}
		if !ok {
			return QueryOutput{}, run.fail(newError(ErrorNotFound, "conversation_not_found", nil))
		}
	} else {
		created, err := s.store.CreateConversation(ctx, documentFilter)
		if err != nil {
			return QueryOutput{}, run.fail(storeError("create_conversation_error", err))
		}
		convID = created
		run.conversationID = convID
	}
	run.advance(StageSessionResolved)

	// 2. Load bounded history.
	history, err := s.store.ListMessages(ctx, convID, s.historyWindow)
	if err != nil {
		return QueryOutput{}, run.fail(storeError("history_error", err))
	}
	run.advance(StageHistoryLoaded)

	// 3. Persist the human turn before anything fallible upstream.
	if _, err := s.store.AppendMessage(ctx, convID, domain.RoleHuman, query, nil); err != nil {
		return QueryOutput{}, run.fail(storeError("human_turn_write_error", err))
	}
	run.advance(StageUserTurnPersisted)

	// 4. Rewrite for retrieval; never fails.
	retrievalQuery := s.rewriter.Rewrite(ctx, query, history)
	run.advance(StageQueryRewritten)

	// 5. Retrieve.
	candidates, err := s.retriever.Search(ctx, retrievalQuery, documentFilter, k)
	if err != nil {
		return QueryOutput{}, run.fail(upstreamError("retrieval_error", err))
	}
	run.advance(StageRetrieved)

	// 6. Synthesize with the user's original phrasing.
	answer, err := s.synthesizer.Synthesize(ctx, query, candidates, history)
	if err != nil {
		return QueryOutput{}, run.fail(upstreamError("generation_error", err))
	}
	run.advance(StageAnswerSynthesized)

	// 7. Persist the assistant turn.
	if _, err := s.store.AppendMessage(ctx, convID, domain.RoleAssistant, answer.Text, answer.Sources); err != nil {
		return QueryOutput{}, run.fail(storeError("assistant_turn_write_error", err))
	}
	run.advance(StageAssistantTurnPersisted)

	run.advance(StageDone)
	return QueryOutput{
		Query:          query,
		Answer:         answer.Text,
		Sources:        answer.Sources,
		NumSources:     len(answer.Sources),
		ConversationID: convID,
	}, nil
}

func storeError(reason string, err error) *Error {
	if errors.Is(err, repository.ErrConversationNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	return newError(ErrorStorage, reason, err)
}
