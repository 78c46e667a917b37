package usecase

import (
	"context"
	"errors"
	"strings"

	"docchat/internal/domain"
)

// ConversationService exposes conversation management to the transport layer.
type ConversationService struct {
	store ConversationStore
}

func NewConversationService(store ConversationStore) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	return &ConversationService{store: store}, nil
}

func (s *ConversationService) Create(ctx context.Context, documentFilter string) (string, error) {
	id, err := s.store.CreateConversation(ctx, strings.TrimSpace(documentFilter))
	if err != nil {
		return "", storeError("create_conversation_error", err)
	}
	return id, nil
}

func (s *ConversationService) List(ctx context.Context, documentFilter string) ([]domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, strings.TrimSpace(documentFilter))
	if err != nil {
		return nil, storeError("list_conversations_error", err)
	}
	return convs, nil
}

// Transcript returns every message of the conversation, oldest first.
func (s *ConversationService) Transcript(ctx context.Context, conversationID string) ([]domain.Message, error) {
	ok, err := s.store.Exists(ctx, conversationID)
	if err != nil {
		return nil, storeError("exists_error", err)
	}
	if !ok {
		return nil, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, storeError("list_messages_error", err)
	}
	return msgs, nil
}

func (s *ConversationService) Delete(ctx context.Context, conversationID string) error {
	deleted, err := s.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return storeError("delete_conversation_error", err)
	}
	if !deleted {
		return newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return nil
}
