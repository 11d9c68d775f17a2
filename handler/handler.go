// Package handler adapts API Gateway proxy events to the tutor operations.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
	"socratic-tutor/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	sessionPathPrefix = "/session/"
	errorNotFound     = "NOT_FOUND"
)

// TutorService is the use case surface the handler routes to.
type TutorService interface {
	SendChatMessage(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	CheckAnswer(ctx context.Context, in usecase.CheckAnswerInput) (usecase.CheckAnswerOutput, error)
	GenerateFollowUp(ctx context.Context, in usecase.FollowUpInput) (usecase.FlowOutput, error)
	GenerateStepByStepGuidance(ctx context.Context, in usecase.ProblemInput) (usecase.FlowOutput, error)
	GenerateInitialGreeting(ctx context.Context, in usecase.GreetingInput) (usecase.FlowOutput, error)
	ClearSession(ctx context.Context, sessionID string) error
}

type Handler struct {
	svc           TutorService
	logger        *slog.Logger
	allowedOrigin string
}

type Option func(*Handler)

// WithAllowedOrigin sets Access-Control-Allow-Origin on every response.
func WithAllowedOrigin(origin string) Option {
	return func(h *Handler) {
		h.allowedOrigin = strings.TrimSpace(origin)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(svc TutorService, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: tutor service must not be nil")
	}
	h := &Handler{svc: svc, logger: observability.Logger()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type problemRequest struct {
	SessionID   string `json:"sessionId"`
	ProblemText string `json:"problemText"`
	ProblemType string `json:"problemType"`
}

func (p problemRequest) input() usecase.ProblemInput {
	return usecase.ProblemInput{SessionID: p.SessionID, ProblemText: p.ProblemText, ProblemType: p.ProblemType}
}

type chatRequest struct {
	problemRequest
	Message string `json:"message"`
}

type checkAnswerRequest struct {
	problemRequest
	StudentAnswer string `json:"studentAnswer"`
}

type followUpRequest struct {
	problemRequest
	Result        string `json:"result"`
	StudentAnswer string `json:"studentAnswer"`
}

type greetingRequest struct {
	problemRequest
	PromptType string `json:"promptType"`
}

type chatMetadata struct {
	HelpLevel      domain.HelpLevel `json:"helpLevel"`
	StuckTurns     int              `json:"stuckTurns"`
	ShouldEscalate bool             `json:"shouldEscalate"`
	Blocked        bool             `json:"blocked"`
}

type chatResponse struct {
	Success   bool         `json:"success"`
	SessionID string       `json:"sessionId"`
	Response  string       `json:"response"`
	Metadata  chatMetadata `json:"metadata"`
}

type checkAnswerResponse struct {
	Success    bool                    `json:"success"`
	SessionID  string                  `json:"sessionId"`
	Result     domain.ValidationResult `json:"result"`
	IsCorrect  bool                    `json:"isCorrect"`
	IsPartial  bool                    `json:"isPartial"`
	Confidence float64                 `json:"confidence"`
	Feedback   string                  `json:"feedback,omitempty"`
}

type flowResponse struct {
	Success   bool             `json:"success"`
	SessionID string           `json:"sessionId"`
	Response  string           `json:"response"`
	HelpLevel domain.HelpLevel `json:"helpLevel"`
}

type clearResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Handle routes one API Gateway proxy request. It never returns an error;
// failures become JSON error payloads.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = observability.WithCorrelationID(ctx, correlationID)
	log := observability.LoggerFromContext(ctx, h.logger)

	method := strings.ToUpper(req.HTTPMethod)
	path := strings.TrimRight(req.Path, "/")

	var resp events.APIGatewayProxyResponse
	switch {
	case method == http.MethodOptions:
		resp = events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
	case method == http.MethodPost && path == "/chat":
		resp = h.chat(ctx, req)
	case method == http.MethodPost && path == "/check-answer":
		resp = h.checkAnswer(ctx, req)
	case method == http.MethodPost && path == "/follow-up":
		resp = h.followUp(ctx, req)
	case method == http.MethodPost && path == "/step-by-step":
		resp = h.stepByStep(ctx, req)
	case method == http.MethodPost && path == "/greeting":
		resp = h.greeting(ctx, req)
	case method == http.MethodDelete && strings.HasPrefix(path, sessionPathPrefix):
		resp = h.clearSession(ctx, req, path)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{
			Error:   errorNotFound,
			Message: fmt.Sprintf("no route for %s %s", method, req.Path),
		})
	}

	resp.Headers = h.headers(resp.Headers, correlationID)
	log.Info("request handled",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) chat(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body chatRequest
	if err := decodeBody(req, &body); err != nil {
		return h.fail(ctx, err)
	}
	out, err := h.svc.SendChatMessage(ctx, usecase.ChatInput{ProblemInput: body.input(), Message: body.Message})
	if err != nil {
		return h.fail(ctx, err)
	}
	return jsonResponse(http.StatusOK, chatResponse{
		Success:   true,
		SessionID: out.SessionID,
		Response:  out.Response,
		Metadata: chatMetadata{
			HelpLevel:      out.HelpLevel,
			StuckTurns:     out.Progress.StuckTurns,
			ShouldEscalate: out.Progress.ShouldEscalate,
			Blocked:        out.Blocking.Blocked,
		},
	})
}

func (h *Handler) checkAnswer(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body checkAnswerRequest
	if err := decodeBody(req, &body); err != nil {
		return h.fail(ctx, err)
	}
	out, err := h.svc.CheckAnswer(ctx, usecase.CheckAnswerInput{ProblemInput: body.input(), StudentAnswer: body.StudentAnswer})
	if err != nil {
		return h.fail(ctx, err)
	}
	return jsonResponse(http.StatusOK, checkAnswerResponse{
		Success:    true,
		SessionID:  out.SessionID,
		Result:     out.Verdict,
		IsCorrect:  out.Result.IsCorrect,
		IsPartial:  out.Result.IsPartial,
		Confidence: out.Result.Confidence,
		Feedback:   out.Result.Feedback,
	})
}

func (h *Handler) followUp(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body followUpRequest
	if err := decodeBody(req, &body); err != nil {
		return h.fail(ctx, err)
	}
	out, err := h.svc.GenerateFollowUp(ctx, usecase.FollowUpInput{
		ProblemInput:  body.input(),
		Result:        body.Result,
		StudentAnswer: body.StudentAnswer,
	})
	return h.flowResult(ctx, out, err)
}

func (h *Handler) stepByStep(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body problemRequest
	if err := decodeBody(req, &body); err != nil {
		return h.fail(ctx, err)
	}
	out, err := h.svc.GenerateStepByStepGuidance(ctx, body.input())
	return h.flowResult(ctx, out, err)
}

func (h *Handler) greeting(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body greetingRequest
	if err := decodeBody(req, &body); err != nil {
		return h.fail(ctx, err)
	}
	out, err := h.svc.GenerateInitialGreeting(ctx, usecase.GreetingInput{ProblemInput: body.input(), PromptType: body.PromptType})
	return h.flowResult(ctx, out, err)
}

func (h *Handler) clearSession(ctx context.Context, req events.APIGatewayProxyRequest, path string) events.APIGatewayProxyResponse {
	sessionID := req.PathParameters["id"]
	if sessionID == "" {
		sessionID = strings.TrimPrefix(path, sessionPathPrefix)
	}
	if err := h.svc.ClearSession(ctx, sessionID); err != nil {
		return h.fail(ctx, err)
	}
	return jsonResponse(http.StatusOK, clearResponse{Success: true, SessionID: sessionID})
}

func (h *Handler) flowResult(ctx context.Context, out usecase.FlowOutput, err error) events.APIGatewayProxyResponse {
	if err != nil {
		return h.fail(ctx, err)
	}
	return jsonResponse(http.StatusOK, flowResponse{
		Success:   true,
		SessionID: out.SessionID,
		Response:  out.Response,
		HelpLevel: out.HelpLevel,
	})
}

func (h *Handler) fail(ctx context.Context, err error) events.APIGatewayProxyResponse {
	log := observability.LoggerFromContext(ctx, h.logger)
	ue, ok := usecase.AsError(err)
	if !ok {
		log.Error("unexpected error", "err", err)
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}

	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		log.Warn("request rejected", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	}
	return jsonResponse(status, errorResponse{
		Error:   string(ue.Code),
		Message: messageFor(ue.Code),
		Code:    ue.Reason,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidMessage:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUnauthorized:
		return http.StatusServiceUnavailable
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "The request is missing a required field or has an invalid value."
	case usecase.ErrorInvalidMessage:
		return "That message can't be processed. Please rephrase it."
	case usecase.ErrorRateLimited:
		return "The tutor is busy right now. Please try again shortly."
	case usecase.ErrorUnauthorized:
		return "The tutor is not configured correctly. Please contact support."
	case usecase.ErrorUpstream:
		return "The tutor could not respond. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// decodeBody rejects unknown fields and trailing data.
func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err}
		}
		raw = decoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	if dec.More() {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: errors.New("trailing data after JSON body")}
	}
	return nil
}

func (h *Handler) headers(existing map[string]string, correlationID string) map[string]string {
	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
	if h.allowedOrigin != "" {
		headers["Access-Control-Allow-Origin"] = h.allowedOrigin
		headers["Access-Control-Allow-Headers"] = "Content-Type, " + correlationHeader
		headers["Access-Control-Allow-Methods"] = "POST, DELETE, OPTIONS"
	}
	for k, v := range existing {
		headers[k] = v
	}
	return headers
}

func jsonResponse(status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"error":"INTERNAL_ERROR","message":"Something went wrong. Please try again."}`)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}
}

// headerValue looks name up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
