package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"assistant-relay/internal/usecase"
)

const (
	pathChat  = "/chat"
	pathGreet = "/greeting"

	codeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	codeUnauthorizedOrigin = "UNAUTHORIZED_ORIGIN"
	codeMalformedRequest   = "MALFORMED_REQUEST"
	codeMissingParameter   = "MISSING_PARAMETER"
	codeNotFound           = "NOT_FOUND"
)

// ChatService is the relay use case consumed by the handler.
type ChatService interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Greet(ctx context.Context, in usecase.GreetInput) (usecase.GreetOutput, error)
}

// chatRequest is the inbound body shape shared by both routes.
type chatRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler is the API Gateway proxy entrypoint: origin gate, preflight,
// payload validation, routing, and response composition live here so the use
// case stays transport-free.
type Handler struct {
	svc           ChatService
	allowedOrigin string
}

// NewHandler creates a Handler. allowedOrigin restricts cross-origin access
// to that single origin; empty disables the restriction (the request's own
// origin is echoed back, never a wildcard).
func NewHandler(svc ChatService, allowedOrigin string) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{svc: svc, allowedOrigin: strings.TrimSpace(allowedOrigin)}, nil
}

// Handle processes one API Gateway proxy event. All failures become JSON
// error responses; nothing propagates to the runtime as a handler error.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerLookup(event.Headers, "X-Correlation-Id")
	if corrID == "" {
		corrID = uuid.NewString()
	}
	origin := headerLookup(event.Headers, "Origin")

	if h.allowedOrigin != "" && origin != h.allowedOrigin {
		return h.errorResponse(http.StatusForbidden, codeUnauthorizedOrigin, "origin not allowed", origin, corrID), nil
	}

	if event.HTTPMethod == http.MethodOptions {
		return h.preflightResponse(origin, corrID), nil
	}
	if event.HTTPMethod != http.MethodPost {
		return h.errorResponse(http.StatusMethodNotAllowed, codeMethodNotAllowed, "only POST is supported", origin, corrID), nil
	}

	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return h.errorResponse(http.StatusBadRequest, codeMalformedRequest, "request body is not valid JSON", origin, corrID), nil
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		return h.errorResponse(http.StatusBadRequest, codeMissingParameter, "userId and message are required", origin, corrID), nil
	}

	var (
		reply string
		err   error
	)
	switch event.Path {
	case pathChat:
		var out usecase.ChatOutput
		out, err = h.svc.Chat(ctx, usecase.ChatInput{UserID: req.UserID, Message: req.Message})
		reply = out.Reply
	case pathGreet:
		var out usecase.GreetOutput
		out, err = h.svc.Greet(ctx, usecase.GreetInput{UserID: req.UserID})
		reply = out.Reply
	default:
		return h.errorResponse(http.StatusNotFound, codeNotFound, "unknown path", origin, corrID), nil
	}
	if err != nil {
		status, code, reason := mapUseCaseError(err)
		slog.Error("request failed",
			"path", event.Path,
			"status", status,
			"code", code,
			"correlation_id", corrID,
			"err", err,
		)
		return h.errorResponse(status, code, reason, origin, corrID), nil
	}

	return h.jsonResponse(http.StatusOK, chatResponse{Reply: reply}, origin, corrID), nil
}

// mapUseCaseError converts a use case failure into a status code, a stable
// error code, and a caller-safe detail string. Diagnostic detail (provider
// error bodies, storage errors) stays in the server-side logs.
func mapUseCaseError(err error) (status int, code, reason string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected error"
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code), ucErr.Reason
	case usecase.ErrorConfig, usecase.ErrorProvider, usecase.ErrorStorage, usecase.ErrorInternal:
		return http.StatusInternalServerError, string(ucErr.Code), ucErr.Reason
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected error"
	}
}

func (h *Handler) corsHeaders(origin string) map[string]string {
	headers := map[string]string{
		"Access-Control-Allow-Methods": "POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type",
	}
	switch {
	case h.allowedOrigin != "":
		headers["Access-Control-Allow-Origin"] = h.allowedOrigin
	case origin != "":
		headers["Access-Control-Allow-Origin"] = origin
	}
	return headers
}

func (h *Handler) preflightResponse(origin, corrID string) events.APIGatewayProxyResponse {
	headers := h.corsHeaders(origin)
	headers["X-Correlation-Id"] = corrID
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    headers,
	}
}

func (h *Handler) jsonResponse(status int, body any, origin, corrID string) events.APIGatewayProxyResponse {
	headers := h.corsHeaders(origin)
	headers["Content-Type"] = "application/json"
	headers["X-Correlation-Id"] = corrID

	raw, err := json.Marshal(body)
	if err != nil {
		// Marshalling the fixed response shapes cannot realistically fail;
		// fall back to a bare 500 if it ever does.
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    headers,
			Body:       `{"error":"INTERNAL_ERROR","message":"response encoding failed"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(raw),
	}
}

func (h *Handler) errorResponse(status int, code, message, origin, corrID string) events.APIGatewayProxyResponse {
	return h.jsonResponse(status, errorResponse{Error: code, Message: message}, origin, corrID)
}

// headerLookup finds a header value case-insensitively; API Gateway does not
// normalize header casing.
func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
