// Package client defines the provider adapter contract and the registry
// that resolves qualified model ids to configured adapter instances.
//
// Adapters are pure: they render provider-specific request skeletons and
// parse provider-specific response bytes, but never perform network I/O.
// The transport call between render and parse belongs to the router.
package client

import (
	"errors"
	"fmt"
	"io"

	"aibridge/internal/model"
	"aibridge/internal/models"
	"aibridge/internal/patch"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnsupportedOperation indicates the adapter cannot fulfil the
// requested capability.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// ErrMalformedResponse indicates a provider response that violates its
// own wire contract. Not retried: it signals a contract mismatch, not
// transience.
var ErrMalformedResponse = errors.New("malformed provider response")

// Unsupported wraps ErrUnsupportedOperation with the missing capability
// and the adapter's client type.
func Unsupported(clientType, capability string) error {
	return fmt.Errorf("client type %s does not implement %s: %w", clientType, capability, ErrUnsupportedOperation)
}

// Malformed wraps ErrMalformedResponse with a description of the defect.
func Malformed(clientType, detail string) error {
	return fmt.Errorf("%s: %s: %w", clientType, detail, ErrMalformedResponse)
}

// EventStream is a pull-driven sequence of normalized completion events
// parsed from a provider's streaming wire format. Next returns events in
// wire order; the sequence ends with exactly one terminal event (done or
// error), after which Next returns io.EOF. Close releases the underlying
// byte source.
type EventStream interface {
	Next() (models.CompletionEvent, error)
	Close() error
}

// Adapter translates between the normalized contract and one backend
// family's wire protocol. An adapter implements the subset of operations
// its backend supports; the rest return ErrUnsupportedOperation naming
// the capability.
type Adapter interface {
	// ClientType names the backend family, e.g. "openai".
	ClientType() string

	// RenderChat builds the provider-specific request skeleton for a chat
	// completion. Descriptor defaults fill generation parameters the
	// caller did not set.
	RenderChat(d *model.Descriptor, msgs []models.Message, params models.GenerationParams, tools []models.Tool, stream bool) (*patch.RequestSkeleton, error)

	// ParseChat parses a buffered (non-streaming) chat response.
	ParseChat(data []byte) (*models.Completion, error)

	// ParseChatStream wraps a streaming response body in a lazy event
	// sequence. The stream owns the body and closes it.
	ParseChatStream(body io.ReadCloser) EventStream

	// RenderEmbeddings builds an embeddings request for a batch of texts.
	RenderEmbeddings(d *model.Descriptor, texts []string) (*patch.RequestSkeleton, error)

	// ParseEmbeddings parses an embeddings response.
	ParseEmbeddings(data []byte) (*models.EmbeddingsResult, error)

	// RenderRerank builds a rerank request scoring documents against a query.
	RenderRerank(d *model.Descriptor, query string, documents []string, topN int) (*patch.RequestSkeleton, error)

	// ParseRerank parses a rerank response.
	ParseRerank(data []byte) ([]models.RerankResult, error)
}
