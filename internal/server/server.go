// Package server exposes the gateway over an OpenAI-compatible HTTP
// surface. Handlers translate between the wire shapes and the unified
// schema and delegate all routing, retry, and fallback decisions to the
// orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aibridge/internal/client"
	"aibridge/internal/config"
	"aibridge/internal/models"
	"aibridge/internal/router"
)

const (
	maxBodyBytes        = 10 << 20
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.app }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: streaming responses stay open as long as the
		// upstream keeps producing events.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleListModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/embeddings", s.handleEmbeddings)
	s.app.POST("/v1/rerank", s.handleRerank)
	s.app.POST("/v1/compare", s.handleCompare)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, fromDescriptors(s.router.Registry().Descriptors()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var wireReq ChatCompletionRequest
	if err := decodeRequestBody(c, &wireReq); err != nil {
		return err
	}
	req, err := wireReq.ToChatRequest()
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	if len(req.Messages) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "messages must not be empty",
			Type:    "invalid_request_error",
		}
	}

	ctx := c.Request().Context()
	if req.Stream {
		return s.relayChatStream(c, req)
	}

	completion, descriptor, err := s.router.Chat(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, fromCompletion(descriptor.ID(), time.Now().Unix(), completion))
}

// relayChatStream forwards the unified event stream as OpenAI chunk SSE.
// Errors after the first chunk can no longer change the HTTP status, so
// they are relayed as a terminal error frame before [DONE].
func (s *Server) relayChatStream(c echo.Context, req models.ChatRequest) error {
	ctx := c.Request().Context()

	stream, descriptor, err := s.router.ChatStream(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	defer stream.Close()

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	id := newCompletionID()
	created := time.Now().Unix()
	modelID := descriptor.ID()
	sentRole := false

	writeChunk := func(chunk chatChunk) error {
		if err := writeSSEData(writer, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Cancellation means the client went away; nothing left to
			// write to.
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("stream read failed", "model", modelID, "err", err)
			break
		}

		chunk := chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelID,
			Choices: []chatChunkChoice{{Delta: chatChunkDelta{}}},
		}

		switch ev.Type {
		case models.EventTextDelta:
			chunk.Choices[0].Delta.Content = ev.Text
		case models.EventToolCallDelta:
			delta := chunkToolCallDelta{Index: ev.ToolCall.Index, ID: ev.ToolCall.ID}
			if ev.ToolCall.ID != "" {
				delta.Type = "function"
			}
			delta.Function.Name = ev.ToolCall.Name
			delta.Function.Arguments = ev.ToolCall.Arguments
			chunk.Choices[0].Delta.ToolCalls = []chunkToolCallDelta{delta}
		case models.EventUsage:
			chunk.Choices = nil
			chunk.Usage = &wireUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.Total(),
			}
		case models.EventDone:
			reason := ev.FinishReason
			chunk.Choices[0].FinishReason = &reason
		case models.EventError:
			slog.Error("upstream stream error", "model", modelID, "err", ev.Err)
			if err := writeSSEData(writer, errorFrame(ev.Err)); err != nil {
				return nil
			}
			flusher.Flush()
			if _, err := fmt.Fprint(writer, "data: [DONE]\n\n"); err == nil {
				flusher.Flush()
			}
			return nil
		default:
			continue
		}

		if len(chunk.Choices) > 0 && !sentRole {
			chunk.Choices[0].Delta.Role = models.RoleAssistant
			sentRole = true
		}

		if err := writeChunk(chunk); err != nil {
			return nil
		}
		if ev.Type == models.EventDone {
			break
		}
	}

	if _, err := fmt.Fprint(writer, "data: [DONE]\n\n"); err == nil {
		flusher.Flush()
	}
	return nil
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req EmbeddingsRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	texts, err := req.Texts()
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	result, descriptor, err := s.router.Embeddings(c.Request().Context(), req.Model, texts)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, fromEmbeddings(descriptor.ID(), result))
}

func (s *Server) handleRerank(c echo.Context) error {
	var req RerankRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.Query == "" || len(req.Documents) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "query and documents are required",
			Type:    "invalid_request_error",
		}
	}

	results, descriptor, err := s.router.Rerank(c.Request().Context(), req.Model, req.Query, req.Documents, req.TopN)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, fromRerank(descriptor.ID(), results))
}

func (s *Server) handleCompare(c echo.Context) error {
	var req CompareRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if len(req.Models) < 2 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "compare requires at least two models",
			Type:    "invalid_request_error",
		}
	}

	var msgs []models.Message
	for i, wm := range req.Messages {
		msg, err := wm.toMessage()
		if err != nil {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("messages[%d]: %v", i, err),
				Type:    "invalid_request_error",
			}
		}
		msgs = append(msgs, msg)
	}

	params := models.GenerationParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	results, err := s.router.Compare(c.Request().Context(), req.Models, msgs, params)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, fromCompare(results))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorFrame(err error) errorBody {
	var payload errorBody
	payload.Error.Message = "upstream stream failed"
	if err != nil {
		payload.Error.Message = err.Error()
	}
	payload.Error.Type = "upstream_error"
	return payload
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, client.ErrUnknownModel):
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	case errors.Is(err, client.ErrUnsupportedOperation):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, router.ErrInputTooLong):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "context_length_exceeded",
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client is already gone; echo just needs something to log.
		return requestError{
			Status:  499,
			Message: "request cancelled",
			Type:    "cancelled",
		}
	case errors.Is(err, client.ErrMalformedResponse):
		return requestError{
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Type:    "upstream_error",
		}
	}

	var uerr *router.UpstreamError
	if errors.As(err, &uerr) {
		status := http.StatusBadGateway
		// Client-side rejections pass through; server-side failures are
		// reported as a gateway problem.
		if uerr.Status >= 400 && uerr.Status < 500 && uerr.Status != 408 && uerr.Status != 429 {
			status = uerr.Status
		}
		return requestError{
			Status:  status,
			Message: uerr.Message,
			Type:    uerr.Kind,
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: err.Error(),
		Type:    "upstream_error",
	}
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("aibridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/embeddings")
	fmt.Println("  POST /v1/rerank")
	fmt.Println("  POST /v1/compare")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
