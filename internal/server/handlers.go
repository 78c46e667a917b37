package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"docchat/internal/domain"
	"docchat/internal/ingest"
	"docchat/internal/usecase"
)

type createConversationRequest struct {
	DocumentFilter string `json:"document_filter"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type conversationResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	DocumentFilter string    `json:"document_filter"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type listConversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageResponse struct {
	Role      domain.Role     `json:"role"`
	Content   string          `json:"content"`
	Sources   []domain.Source `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type transcriptResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []messageResponse `json:"messages"`
}

type queryRequest struct {
	Query          string `json:"query"`
	K              int    `json:"k"`
	DocumentFilter string `json:"document_filter"`
	ConversationID string `json:"conversation_id"`
}

type queryResponse struct {
	Query          string          `json:"query"`
	Answer         string          `json:"answer"`
	Sources        []domain.Source `json:"sources"`
	NumSources     int             `json:"num_sources"`
	ConversationID string          `json:"conversation_id"`
}

func bindError(err error) error {
	return usecase.NewError(usecase.ErrorInvalidInput, "invalid_body", err)
}

func (s *Server) createConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	id, err := s.conversations.Create(c.Request().Context(), req.DocumentFilter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, createConversationResponse{ConversationID: id})
}

func (s *Server) listConversations(c echo.Context) error {
	convs, err := s.conversations.List(c.Request().Context(), c.QueryParam("document_filter"))
	if err != nil {
		return err
	}
	out := listConversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, conv := range convs {
		out.Conversations = append(out.Conversations, conversationResponse{
			ID:             conv.ID,
			Title:          conv.Title,
			DocumentFilter: conv.DocumentFilter,
			CreatedAt:      conv.CreatedAt,
			UpdatedAt:      conv.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getConversation(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.conversations.Transcript(c.Request().Context(), id)
	if err != nil {
		return err
	}
	out := transcriptResponse{ConversationID: id, Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageResponse{
			Role:      m.Role,
			Content:   m.Content,
			Sources:   m.Sources,
			CreatedAt: m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.conversations.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

func (s *Server) query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	out, err := s.queries.Query(c.Request().Context(), usecase.QueryInput{
		Query:          req.Query,
		K:              req.K,
		DocumentFilter: req.DocumentFilter,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return err
	}
	sources := out.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	return c.JSON(http.StatusOK, queryResponse{
		Query:          out.Query,
		Answer:         out.Answer,
		Sources:        sources,
		NumSources:     out.NumSources,
		ConversationID: out.ConversationID,
	})
}

func (s *Server) uploadDocument(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return usecase.NewError(usecase.ErrorInvalidInput, "missing_file", err)
	}
	f, err := fh.Open()
	if err != nil {
		return usecase.NewError(usecase.ErrorInternal, "open_upload_error", err)
	}
	defer func() { _ = f.Close() }()

	res, err := s.documents.Upload(c.Request().Context(), ingest.UploadedFile{
		FileName:    strings.TrimSpace(fh.Filename),
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Body:        f,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listDocuments(c echo.Context) error {
	list, err := s.documents.ListDocuments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}
