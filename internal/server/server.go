// Package server exposes the conversation, query and document operations
// over JSON HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"docchat/internal/domain"
	"docchat/internal/ingest"
	"docchat/internal/metrics"
	"docchat/internal/usecase"
)

const CorrelationHeader = "X-Correlation-Id"

type QueryRunner interface {
	Query(ctx context.Context, in usecase.QueryInput) (usecase.QueryOutput, error)
}

type Conversations interface {
	Create(ctx context.Context, documentFilter string) (string, error)
	List(ctx context.Context, documentFilter string) ([]domain.Conversation, error)
	Transcript(ctx context.Context, conversationID string) ([]domain.Message, error)
	Delete(ctx context.Context, conversationID string) error
}

type Documents interface {
	Upload(ctx context.Context, f ingest.UploadedFile) (ingest.UploadResult, error)
	ListDocuments(ctx context.Context) (ingest.DocumentList, error)
}

type Options struct {
	CORSOrigins []string
	// BodyLimit uses echo's size syntax, e.g. "25M".
	BodyLimit string
	Logger    *slog.Logger
}

type Server struct {
	queries       QueryRunner
	conversations Conversations
	documents     Documents
	logger        *slog.Logger
}

// New builds the echo router with every route registered.
func New(queries QueryRunner, conversations Conversations, documents Documents, opts Options) (*echo.Echo, error) {
	if queries == nil || conversations == nil || documents == nil {
		return nil, errors.New("server: query, conversation and document services are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		queries:       queries,
		conversations: conversations,
		documents:     documents,
		logger:        opts.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{TargetHeader: CorrelationHeader}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"correlation_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(metrics.HTTPMiddleware())
	if len(opts.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, CorrelationHeader},
		}))
	}
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.POST("/conversations", s.createConversation)
	e.GET("/conversations", s.listConversations)
	e.GET("/conversations/:id", s.getConversation)
	e.DELETE("/conversations/:id", s.deleteConversation)
	e.POST("/query", s.query)
	e.POST("/upload_document", s.uploadDocument)
	e.GET("/list_documents", s.listDocuments)
	return e, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// handleError is the single place where error values become status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error", "path", c.Path(), "code", body.Error, "detail", body.Detail, "err", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Error("write error response", "err", err)
	}
}

func statusFor(err error) (int, errorResponse) {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return httpStatus(ue.Code), errorResponse{Error: string(ue.Code), Detail: ue.Reason}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := usecase.ErrorInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = usecase.ErrorNotFound
		case he.Code < http.StatusInternalServerError:
			code = usecase.ErrorInvalidInput
		}
		return he.Code, errorResponse{Error: string(code), Detail: http.StatusText(he.Code)}
	}
	return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Detail: "internal_error"}
}

func httpStatus(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
