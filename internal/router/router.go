// Package router is the completion orchestrator. It drives one logical
// request end to end: resolve the model, render and patch the outbound
// skeleton, dispatch it over the transport with retry and fallback, and
// hand the parsed result (buffered or streamed) back to the caller.
//
// Adapters stay pure and the patch engine never retries; every retry and
// fallback decision lives here.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"aibridge/internal/client"
	"aibridge/internal/config"
	"aibridge/internal/model"
	"aibridge/internal/models"
	"aibridge/internal/patch"
	"aibridge/internal/transport"
)

// Upstream replies larger than this are treated as malformed.
const maxResponseBytes = 20 << 20

// ErrInputTooLong indicates the prompt exceeds the model's configured
// input token limit.
var ErrInputTooLong = errors.New("input exceeds model token limit")

// ToolDispatcher is the collaborator that executes a model-requested
// tool call and produces its result. Tool execution itself lives outside
// the gateway.
type ToolDispatcher interface {
	Invoke(ctx context.Context, call models.ToolCall) (string, error)
}

// Router orchestrates requests against the registry and transport.
// Instances are safe for concurrent use; per-request state lives on the
// stack of each call.
type Router struct {
	registry       *client.Registry
	transport      transport.Client
	retry          RetryPolicy
	attemptTimeout time.Duration
	fallbacks      map[string][]string
	getenv         func(string) string
}

// Option configures a Router.
type Option func(*Router)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Router) { r.retry = p }
}

// WithAttemptTimeout bounds each buffered dispatch attempt. Streaming
// attempts are bounded by the transport's response-header window instead,
// since a healthy stream may legitimately outlive any fixed budget.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) { r.attemptTimeout = d }
}

// WithFallbacks configures fallback chains keyed by qualified model id.
func WithFallbacks(fallbacks map[string][]string) Option {
	return func(r *Router) { r.fallbacks = fallbacks }
}

// WithEnv replaces the environment lookup used for patch overrides.
func WithEnv(getenv func(string) string) Option {
	return func(r *Router) { r.getenv = getenv }
}

// New constructs a router.
func New(registry *client.Registry, tc transport.Client, opts ...Option) *Router {
	r := &Router{
		registry:       registry,
		transport:      tc,
		retry:          DefaultRetryPolicy(),
		attemptTimeout: 2 * time.Minute,
		getenv:         os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromConfig constructs a router with the configured retry policy and
// fallback chains.
func FromConfig(cfg config.Config, registry *client.Registry, tc transport.Client) *Router {
	policy := RetryPolicy{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		Multiplier:     2.0,
	}
	return New(registry, tc,
		WithRetryPolicy(policy),
		WithAttemptTimeout(cfg.Retry.AttemptTimeout.Std()),
		WithFallbacks(cfg.Fallbacks),
	)
}

// Registry exposes the model registry for listing endpoints.
func (r *Router) Registry() *client.Registry { return r.registry }

// Chat runs one buffered chat completion, trying fallback models in
// order once the primary's retry budget is exhausted on transient
// failures. The returned descriptor identifies the model that actually
// served the request.
func (r *Router) Chat(ctx context.Context, req models.ChatRequest) (*models.Completion, *model.Descriptor, error) {
	primary, err := r.registry.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for i, id := range r.candidates(primary) {
		entry, err := r.registry.Resolve(id)
		if err != nil {
			return nil, nil, err
		}
		completion, err := r.chatOnce(ctx, entry, req)
		if err == nil {
			if i > 0 {
				slog.Info("fallback model served request", "model", entry.Descriptor.ID(), "primary", primary.Descriptor.ID())
			}
			return completion, entry.Descriptor, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		// Only transient exhaustion moves down the fallback chain;
		// contract violations and rejections surface immediately.
		if !transientFailure(err) {
			return nil, nil, err
		}
		lastErr = err
		if i+1 < len(r.candidates(primary)) {
			slog.Warn("model unavailable, trying fallback", "model", entry.Descriptor.ID(), "error", err)
		}
	}
	return nil, nil, lastErr
}

// ChatStream runs one streaming chat completion. Events stop promptly
// when ctx is cancelled: the underlying connection is closed and Next
// returns the context error, never a post-cancel event. Models flagged
// no_stream are served with a buffered call whose result is replayed as
// a synthetic event sequence.
func (r *Router) ChatStream(ctx context.Context, req models.ChatRequest) (client.EventStream, *model.Descriptor, error) {
	primary, err := r.registry.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, id := range r.candidates(primary) {
		entry, err := r.registry.Resolve(id)
		if err != nil {
			return nil, nil, err
		}

		if entry.Descriptor.NoStream {
			completion, err := r.chatOnce(ctx, entry, req)
			if err == nil {
				return newSyntheticStream(completion), entry.Descriptor, nil
			}
			lastErr = err
		} else {
			stream, err := r.streamOnce(ctx, entry, req)
			if err == nil {
				return stream, entry.Descriptor, nil
			}
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !transientFailure(lastErr) {
			return nil, nil, lastErr
		}
	}
	return nil, nil, lastErr
}

// Embeddings produces vectors for a batch of texts, in input order.
func (r *Router) Embeddings(ctx context.Context, modelID string, texts []string) (*models.EmbeddingsResult, *model.Descriptor, error) {
	entry, err := r.registry.Resolve(modelID)
	if err != nil {
		return nil, nil, err
	}
	d := entry.Descriptor
	if d.Type != model.TypeEmbedding {
		return nil, nil, fmt.Errorf("model %s is a %s model: %w", d.ID(), d.Type, client.ErrUnsupportedOperation)
	}

	skel, err := entry.Adapter.RenderEmbeddings(d, texts)
	if err != nil {
		return nil, nil, err
	}
	if err := r.applyPatches(skel, entry, patch.Embeddings); err != nil {
		return nil, nil, err
	}
	data, err := r.dispatchBuffered(ctx, skel)
	if err != nil {
		return nil, nil, err
	}
	result, err := entry.Adapter.ParseEmbeddings(data)
	if err != nil {
		return nil, nil, err
	}
	return result, d, nil
}

// Rerank scores documents against a query using a reranker model.
func (r *Router) Rerank(ctx context.Context, modelID, query string, documents []string, topN int) ([]models.RerankResult, *model.Descriptor, error) {
	entry, err := r.registry.Resolve(modelID)
	if err != nil {
		return nil, nil, err
	}
	d := entry.Descriptor
	if d.Type != model.TypeReranker {
		return nil, nil, fmt.Errorf("model %s is a %s model: %w", d.ID(), d.Type, client.ErrUnsupportedOperation)
	}

	skel, err := entry.Adapter.RenderRerank(d, query, documents, topN)
	if err != nil {
		return nil, nil, err
	}
	if err := r.applyPatches(skel, entry, patch.Rerank); err != nil {
		return nil, nil, err
	}
	data, err := r.dispatchBuffered(ctx, skel)
	if err != nil {
		return nil, nil, err
	}
	results, err := entry.Adapter.ParseRerank(data)
	if err != nil {
		return nil, nil, err
	}
	return results, d, nil
}

// CompareResult is one model's answer in a side-by-side comparison.
type CompareResult struct {
	Model      string
	Completion *models.Completion
	Err        error
	Elapsed    time.Duration
}

// Compare asks the same conversation of several models concurrently and
// collects each answer or failure. Results are returned in the order the
// models were requested; one slow or failing model never hides the rest.
func (r *Router) Compare(ctx context.Context, modelIDs []string, msgs []models.Message, params models.GenerationParams) ([]CompareResult, error) {
	if len(modelIDs) < 2 {
		return nil, errors.New("compare requires at least two models")
	}
	for _, id := range modelIDs {
		if _, err := r.registry.Resolve(id); err != nil {
			return nil, err
		}
	}

	results := make([]CompareResult, len(modelIDs))
	var g errgroup.Group
	for i, id := range modelIDs {
		i, id := i, id
		g.Go(func() error {
			start := time.Now()
			completion, d, err := r.Chat(ctx, models.ChatRequest{
				Model:    id,
				Messages: msgs,
				Params:   params,
			})
			result := CompareResult{Model: id, Completion: completion, Err: err, Elapsed: time.Since(start)}
			if d != nil {
				result.Model = d.ID()
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

// ResolveToolCalls executes a completion's tool calls through the given
// dispatcher and returns the tool-result turns to append before asking
// the model to continue.
func ResolveToolCalls(ctx context.Context, dispatcher ToolDispatcher, completion *models.Completion) ([]models.Message, error) {
	out := make([]models.Message, 0, len(completion.ToolCalls))
	for _, call := range completion.ToolCalls {
		result, err := dispatcher.Invoke(ctx, call)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		out = append(out, models.Message{
			Role:       models.RoleTool,
			Content:    result,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}
	return out, nil
}

func (r *Router) candidates(primary client.Entry) []string {
	id := primary.Descriptor.ID()
	return append([]string{id}, r.fallbacks[id]...)
}

func (r *Router) chatOnce(ctx context.Context, entry client.Entry, req models.ChatRequest) (*models.Completion, error) {
	d := entry.Descriptor
	if d.Type != model.TypeChat {
		return nil, fmt.Errorf("model %s is a %s model: %w", d.ID(), d.Type, client.ErrUnsupportedOperation)
	}
	if err := r.checkInputBudget(d, req.Messages); err != nil {
		return nil, err
	}

	skel, err := entry.Adapter.RenderChat(d, req.Messages, req.Params, req.Tools, false)
	if err != nil {
		return nil, err
	}
	if err := r.applyPatches(skel, entry, patch.ChatCompletions); err != nil {
		return nil, err
	}

	data, err := r.dispatchBuffered(ctx, skel)
	if err != nil {
		return nil, err
	}
	completion, err := entry.Adapter.ParseChat(data)
	if err != nil {
		return nil, err
	}
	if completion.Model == "" {
		completion.Model = d.ID()
	}
	if d.Pricing != nil {
		slog.Debug("completion cost",
			"model", d.ID(),
			"input_tokens", completion.Usage.InputTokens,
			"output_tokens", completion.Usage.OutputTokens,
			"usd", d.Pricing.Cost(completion.Usage))
	}
	return completion, nil
}

func (r *Router) streamOnce(ctx context.Context, entry client.Entry, req models.ChatRequest) (client.EventStream, error) {
	d := entry.Descriptor
	if d.Type != model.TypeChat {
		return nil, fmt.Errorf("model %s is a %s model: %w", d.ID(), d.Type, client.ErrUnsupportedOperation)
	}
	if err := r.checkInputBudget(d, req.Messages); err != nil {
		return nil, err
	}

	skel, err := entry.Adapter.RenderChat(d, req.Messages, req.Params, req.Tools, true)
	if err != nil {
		return nil, err
	}
	if err := r.applyPatches(skel, entry, patch.ChatCompletions); err != nil {
		return nil, err
	}

	body, err := r.dispatchStream(ctx, skel)
	if err != nil {
		return nil, err
	}

	inner := entry.Adapter.ParseChatStream(body)
	// Closing the body on cancellation unblocks a Next call sitting in a
	// chunk read, so cancellation is observed within one read interval.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	return &cancelStream{inner: inner, ctx: ctx, stop: stop}, nil
}

// cancelStream converts a context cancellation into a clean stream
// termination: Next returns the context error rather than an error event.
type cancelStream struct {
	inner client.EventStream
	ctx   context.Context
	stop  func() bool
}

func (s *cancelStream) Next() (models.CompletionEvent, error) {
	if err := s.ctx.Err(); err != nil {
		return models.CompletionEvent{}, err
	}
	ev, err := s.inner.Next()
	if cancelErr := s.ctx.Err(); cancelErr != nil {
		// The read raced with cancellation; the connection reset is the
		// cancellation, not an upstream failure.
		return models.CompletionEvent{}, cancelErr
	}
	return ev, err
}

func (s *cancelStream) Close() error {
	s.stop()
	return s.inner.Close()
}

// syntheticStream replays a buffered completion as an event sequence for
// models that cannot stream.
type syntheticStream struct {
	events []models.CompletionEvent
}

func newSyntheticStream(completion *models.Completion) *syntheticStream {
	var events []models.CompletionEvent
	if completion.Content != "" {
		events = append(events, models.CompletionEvent{Type: models.EventTextDelta, Text: completion.Content})
	}
	for i, call := range completion.ToolCalls {
		events = append(events, models.CompletionEvent{
			Type: models.EventToolCallDelta,
			ToolCall: &models.ToolCallDelta{
				Index:     i,
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	usage := completion.Usage
	events = append(events,
		models.CompletionEvent{Type: models.EventUsage, Usage: &usage},
		models.CompletionEvent{Type: models.EventDone, FinishReason: completion.FinishReason, Usage: &usage},
	)
	return &syntheticStream{events: events}
}

func (s *syntheticStream) Next() (models.CompletionEvent, error) {
	if len(s.events) == 0 {
		return models.CompletionEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *syntheticStream) Close() error { return nil }

func (r *Router) applyPatches(skel *patch.RequestSkeleton, entry client.Entry, kind patch.APIKind) error {
	d := entry.Descriptor
	layers, err := patch.ResolveLayers(d.ClientType, kind, d.Name, d.Patch, entry.Layer(kind), r.getenv)
	if err != nil {
		return err
	}
	for _, fragment := range layers {
		patch.Apply(skel, fragment)
	}
	return nil
}

func (r *Router) checkInputBudget(d *model.Descriptor, msgs []models.Message) error {
	if d.MaxInputTokens <= 0 {
		return nil
	}
	count, err := countInputTokens(d.Name, msgs)
	if err != nil {
		// Estimation is advisory; an unavailable tokenizer never blocks
		// a request.
		return nil
	}
	if count > d.MaxInputTokens {
		return fmt.Errorf("%w: about %d tokens against a limit of %d for %s", ErrInputTooLong, count, d.MaxInputTokens, d.ID())
	}
	return nil
}

func (r *Router) dispatchBuffered(ctx context.Context, skel *patch.RequestSkeleton) ([]byte, error) {
	return retryLoop(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		attemptCtx := ctx
		cancel := func() {}
		if r.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		}
		defer cancel()

		resp, err := r.transport.Send(attemptCtx, skel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.Status >= 400 {
			return nil, readUpstreamError(resp.Status, resp.Body)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &transport.Error{Op: "read", Retryable: true, Err: err}
		}
		return data, nil
	})
}

func (r *Router) dispatchStream(ctx context.Context, skel *patch.RequestSkeleton) (io.ReadCloser, error) {
	return retryLoop(ctx, r.retry, func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := r.transport.Send(ctx, skel)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 400 {
			defer resp.Body.Close()
			return nil, readUpstreamError(resp.Status, resp.Body)
		}
		return resp.Body, nil
	})
}

// retryLoop runs op until it succeeds, the error is not transient, or
// the retry budget is exhausted. Each retry gets a fresh attempt; the
// backoff sleep respects cancellation.
func retryLoop[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !transientFailure(err) {
			return zero, err
		}
		lastErr = err
		if attempt >= policy.MaxRetries {
			return zero, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt+1, lastErr)
		}
		delay := policy.Backoff(attempt + 1)
		slog.Warn("retrying upstream request", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// UpstreamError is a non-2xx reply from a provider, carrying whatever
// structured error body the provider included.
type UpstreamError struct {
	Status  int
	Kind    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

func readUpstreamError(status int, body io.Reader) *UpstreamError {
	uerr := &UpstreamError{Status: status, Kind: "upstream_error"}

	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return uerr
	}

	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &parsed); err == nil && parsed.Error.Message != "" {
		uerr.Message = parsed.Error.Message
		if parsed.Error.Type != "" {
			uerr.Kind = parsed.Error.Type
		}
		return uerr
	}

	if text := strings.TrimSpace(string(data)); text != "" {
		uerr.Message = text
	}
	return uerr
}

// transientFailure classifies an error as worth retrying: network-level
// failures and 408/429/5xx replies. Everything else, including malformed
// responses, indicates a contract problem retries cannot fix.
func transientFailure(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return uerr.Status == 408 || uerr.Status == 429 || uerr.Status >= 500
	}
	return false
}
