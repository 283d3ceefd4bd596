// Package models defines the provider-neutral data model shared by every
// adapter: conversation messages, generation parameters, completions, and
// the normalized event stream emitted while a completion is in flight.
package models

import "strings"

// Conversation roles in the unified schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one segment of a multimodal message.
type ContentPart struct {
	Type     string // PartText or PartImageURL
	Text     string
	ImageURL string // remote URL or data: URI
}

// Message represents a single conversational turn in the unified schema.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart // set for multimodal turns; Content is ignored when non-empty
	Name       string
	ToolCalls  []ToolCall // assistant turns that requested tool invocations
	ToolCallID string     // tool turns: the call this result answers
}

// Text returns the textual content of the message, joining multimodal
// text parts when present.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCall is a model-requested invocation of a declared tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON argument object
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// GenerationParams are caller overrides for sampling behaviour. Nil fields
// fall back to the model descriptor's defaults.
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
}

// ChatRequest is the canonical representation of one chat completion.
type ChatRequest struct {
	Model    string // qualified model id, "client:model" or bare model name
	Messages []Message
	Params   GenerationParams
	Tools    []Tool
	Stream   bool
}

// Usage records token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates counts from another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Completion is the buffered result of a chat request.
type Completion struct {
	ID           string
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// EventType tags one normalized completion event.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// CompletionEvent is one unit of the normalized output stream. An adapter
// emits events in wire order and terminates the sequence with exactly one
// done or error event.
type CompletionEvent struct {
	Type         EventType
	Text         string         // EventTextDelta
	ToolCall     *ToolCallDelta // EventToolCallDelta
	Usage        *Usage         // EventUsage, and optionally EventDone
	FinishReason string         // EventDone
	Err          error          // EventError
}

// Terminal reports whether the event ends the stream.
func (e CompletionEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ToolCallDelta is an incremental fragment of a streamed tool call. The
// first delta for a call carries ID and Name; later deltas append to the
// JSON argument string.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// EmbeddingsResult holds vectors for a batch of input texts, in input order.
type EmbeddingsResult struct {
	Vectors [][]float32
	Usage   Usage
}

// RerankResult scores one document against a rerank query. Index refers to
// the position of the document in the request.
type RerankResult struct {
	Index    int
	Score    float64
	Document string
}
