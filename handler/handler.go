// Package handler adapts API Gateway proxy events to the HTTP router so the
// same routes serve both Lambda and the standalone server.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	echoadapter "github.com/awslabs/aws-lambda-go-api-proxy/echo"
	"github.com/labstack/echo/v4"
)

const malformedEventBody = `{"error":"INVALID_INPUT","detail":"malformed_event"}`

type Handler struct {
	proxy  *echoadapter.EchoLambda
	logger *slog.Logger
}

func NewHandler(router *echo.Echo, logger *slog.Logger) (*Handler, error) {
	if router == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{proxy: echoadapter.New(router), logger: logger}, nil
}

// Handle replays event through the router. Events the proxy cannot turn into
// a request are answered with 400 rather than a Lambda error so API Gateway
// never turns them into a 502.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp, err := h.proxy.ProxyWithContext(ctx, event)
	if err != nil {
		h.logger.Warn("rejecting API Gateway event", "path", event.Path, "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON},
			Body:       malformedEventBody,
		}, nil
	}
	return resp, nil
}
