// Package claude implements the adapter for the Anthropic Messages API:
// chat completions, buffered and streamed. Anthropic exposes no
// embeddings or rerank endpoint, so those capabilities are unsupported.
package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"aibridge/internal/client"
	"aibridge/internal/config"
	"aibridge/internal/model"
	"aibridge/internal/models"
	"aibridge/internal/patch"
)

const (
	clientType = "claude"
	userAgent  = "aibridge/0.1"
	apiVersion = "2023-06-01"

	// The Messages API requires max_tokens; used when neither the call
	// nor the descriptor provides one.
	defaultMaxTokens = 4096
)

// Adapter renders and parses the Anthropic Messages wire protocol.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
}

// New constructs an adapter from client configuration.
func New(cfg config.ClientConfig) (*Adapter, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	return &Adapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
	}, nil
}

func (a *Adapter) ClientType() string { return clientType }

func (a *Adapter) authorize(skel *patch.RequestSkeleton) {
	skel.Headers.Set("User-Agent", userAgent)
	skel.Headers.Set("x-api-key", a.apiKey)
	skel.Headers.Set("anthropic-version", apiVersion)
	keys := make([]string, 0, len(a.headers))
	for k := range a.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		skel.Headers.Set(k, a.headers[k])
	}
}

// RenderChat builds a /v1/messages request. System turns are lifted into
// the top-level system field; the descriptor's system prompt prefix, when
// set, leads that field.
func (a *Adapter) RenderChat(d *model.Descriptor, msgs []models.Message, params models.GenerationParams, tools []models.Tool, stream bool) (*patch.RequestSkeleton, error) {
	skel := patch.NewSkeleton(a.baseURL + "/v1/messages")
	a.authorize(skel)

	var systemParts []string
	if d.SystemPromptPrefix != "" {
		systemParts = append(systemParts, d.SystemPromptPrefix)
	}

	turns := patch.Sequence()
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleUser, models.RoleAssistant:
			turn, err := renderTurn(d, msg)
			if err != nil {
				return nil, err
			}
			turns.Append(turn)
		case models.RoleTool:
			turns.Append(renderToolResult(msg))
		default:
			return nil, fmt.Errorf("claude does not support role %q", msg.Role)
		}
	}
	if turns.Len() == 0 {
		return nil, errors.New("claude requires at least one user message")
	}

	body := skel.Body
	body.Set("model", patch.String(d.UpstreamName()))

	maxTokens := defaultMaxTokens
	if d.MaxTokens != nil {
		maxTokens = *d.MaxTokens
	}
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	body.Set("max_tokens", patch.Number(float64(maxTokens)))

	if len(systemParts) > 0 && !d.NoSystemMessage {
		body.Set("system", patch.String(strings.Join(systemParts, "\n\n")))
	}
	body.Set("messages", turns)

	if t := pick(params.Temperature, d.Temperature); t != nil {
		body.Set("temperature", patch.Number(*t))
	}
	if t := pick(params.TopP, d.TopP); t != nil {
		body.Set("top_p", patch.Number(*t))
	}
	if len(params.Stop) > 0 {
		stops := patch.Sequence()
		for _, s := range params.Stop {
			stops.Append(patch.String(s))
		}
		body.Set("stop_sequences", stops)
	}

	if len(tools) > 0 {
		if !d.SupportsFunctionCalling {
			return nil, fmt.Errorf("model %s does not support function calling", d.ID())
		}
		toolVals, err := renderTools(tools)
		if err != nil {
			return nil, err
		}
		body.Set("tools", toolVals)
	}

	if stream {
		body.Set("stream", patch.Bool(true))
	}

	return skel, nil
}

func renderTurn(d *model.Descriptor, msg models.Message) (*patch.Value, error) {
	content := patch.Sequence()

	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch part.Type {
			case "text":
				content.Append(textBlock(part.Text))
			case "image_url":
				if !d.SupportsVision {
					return nil, fmt.Errorf("model %s does not support vision input", d.ID())
				}
				block, err := imageBlock(part.ImageURL)
				if err != nil {
					return nil, err
				}
				content.Append(block)
			default:
				return nil, fmt.Errorf("unsupported content part type %q", part.Type)
			}
		}
	} else if msg.Content != "" {
		content.Append(textBlock(msg.Content))
	}

	for _, call := range msg.ToolCalls {
		input, err := patch.ParseJSON([]byte(call.Arguments))
		if err != nil {
			input = patch.Mapping()
		}
		content.Append(patch.Mapping().
			Set("type", patch.String("tool_use")).
			Set("id", patch.String(call.ID)).
			Set("name", patch.String(call.Name)).
			Set("input", input))
	}

	if content.Len() == 0 {
		return nil, errors.New("claude messages must not be empty")
	}

	return patch.Mapping().
		Set("role", patch.String(msg.Role)).
		Set("content", content), nil
}

// renderToolResult maps a unified tool turn onto Claude's shape: a user
// turn carrying a tool_result block.
func renderToolResult(msg models.Message) *patch.Value {
	return patch.Mapping().
		Set("role", patch.String(models.RoleUser)).
		Set("content", patch.Sequence(patch.Mapping().
			Set("type", patch.String("tool_result")).
			Set("tool_use_id", patch.String(msg.ToolCallID)).
			Set("content", patch.String(msg.Content))))
}

func textBlock(text string) *patch.Value {
	return patch.Mapping().
		Set("type", patch.String("text")).
		Set("text", patch.String(text))
}

func imageBlock(url string) (*patch.Value, error) {
	source := patch.Mapping()
	if data, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType, payload, found := strings.Cut(data, ";base64,")
		if !found {
			return nil, fmt.Errorf("image data URI must be base64 encoded")
		}
		source.
			Set("type", patch.String("base64")).
			Set("media_type", patch.String(mediaType)).
			Set("data", patch.String(payload))
	} else {
		source.
			Set("type", patch.String("url")).
			Set("url", patch.String(url))
	}
	return patch.Mapping().
		Set("type", patch.String("image")).
		Set("source", source), nil
}

func renderTools(tools []models.Tool) (*patch.Value, error) {
	out := patch.Sequence()
	for _, tool := range tools {
		schema, err := patch.FromAny(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s parameters: %w", tool.Name, err)
		}
		out.Append(patch.Mapping().
			Set("name", patch.String(tool.Name)).
			Set("description", patch.String(tool.Description)).
			Set("input_schema", schema))
	}
	return out, nil
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseChat parses a buffered Messages response.
func (a *Adapter) ParseChat(data []byte) (*models.Completion, error) {
	var resp messageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Content) == 0 {
		return nil, client.Malformed(clientType, "response has no content blocks")
	}

	completion := &models.Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: models.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	completion.Content = text.String()
	return completion, nil
}

// ParseChatStream wraps a Messages SSE body in a normalized event stream.
func (a *Adapter) ParseChatStream(body io.ReadCloser) client.EventStream {
	return &chatStream{reader: client.NewSSEReader(body), body: body}
}

type streamFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ContentBlock *contentBlock `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type chatStream struct {
	reader *client.SSEReader
	body   io.ReadCloser

	pending     []models.CompletionEvent
	inputTokens int
	usage       *models.Usage
	finish      string
	done        bool
}

func (s *chatStream) Close() error { return s.body.Close() }

func (s *chatStream) Next() (models.CompletionEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return models.CompletionEvent{}, io.EOF
		}

		frame, err := s.reader.Next()
		if err == io.EOF {
			return s.terminate(), nil
		}
		if err != nil {
			s.done = true
			return models.CompletionEvent{Type: models.EventError, Err: err}, nil
		}

		var parsed streamFrame
		if err := json.Unmarshal([]byte(frame.Data), &parsed); err != nil {
			s.done = true
			return models.CompletionEvent{
				Type: models.EventError,
				Err:  client.Malformed(clientType, "stream frame: "+err.Error()),
			}, nil
		}

		switch parsed.Type {
		case "message_start":
			if parsed.Message != nil {
				s.inputTokens = parsed.Message.Usage.InputTokens
			}
		case "content_block_start":
			if parsed.ContentBlock != nil && parsed.ContentBlock.Type == "tool_use" {
				s.pending = append(s.pending, models.CompletionEvent{
					Type: models.EventToolCallDelta,
					ToolCall: &models.ToolCallDelta{
						Index: parsed.Index,
						ID:    parsed.ContentBlock.ID,
						Name:  parsed.ContentBlock.Name,
					},
				})
			}
		case "content_block_delta":
			if parsed.Delta == nil {
				continue
			}
			switch parsed.Delta.Type {
			case "text_delta":
				s.pending = append(s.pending, models.CompletionEvent{
					Type: models.EventTextDelta,
					Text: parsed.Delta.Text,
				})
			case "input_json_delta":
				s.pending = append(s.pending, models.CompletionEvent{
					Type: models.EventToolCallDelta,
					ToolCall: &models.ToolCallDelta{
						Index:     parsed.Index,
						Arguments: parsed.Delta.PartialJSON,
					},
				})
			}
		case "message_delta":
			if parsed.Delta != nil && parsed.Delta.StopReason != "" {
				s.finish = mapStopReason(parsed.Delta.StopReason)
			}
			if parsed.Usage != nil {
				usage := models.Usage{
					InputTokens:  s.inputTokens,
					OutputTokens: parsed.Usage.OutputTokens,
				}
				s.usage = &usage
				s.pending = append(s.pending, models.CompletionEvent{Type: models.EventUsage, Usage: &usage})
			}
		case "message_stop":
			return s.terminate(), nil
		case "error":
			s.done = true
			message := "stream error"
			if parsed.Error != nil {
				message = parsed.Error.Type + ": " + parsed.Error.Message
			}
			return models.CompletionEvent{
				Type: models.EventError,
				Err:  fmt.Errorf("claude: %s", message),
			}, nil
		}
		// ping and unknown frame types carry nothing.
	}
}

func (s *chatStream) terminate() models.CompletionEvent {
	s.done = true
	finish := s.finish
	if finish == "" {
		finish = "stop"
	}
	return models.CompletionEvent{Type: models.EventDone, FinishReason: finish, Usage: s.usage}
}

// mapStopReason normalizes Anthropic stop reasons onto the gateway's
// OpenAI-shaped vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// RenderEmbeddings is not available on this backend.
func (a *Adapter) RenderEmbeddings(*model.Descriptor, []string) (*patch.RequestSkeleton, error) {
	return nil, client.Unsupported(clientType, "embeddings")
}

// ParseEmbeddings is not available on this backend.
func (a *Adapter) ParseEmbeddings([]byte) (*models.EmbeddingsResult, error) {
	return nil, client.Unsupported(clientType, "embeddings")
}

// RenderRerank is not available on this backend.
func (a *Adapter) RenderRerank(*model.Descriptor, string, []string, int) (*patch.RequestSkeleton, error) {
	return nil, client.Unsupported(clientType, "rerank")
}

// ParseRerank is not available on this backend.
func (a *Adapter) ParseRerank([]byte) ([]models.RerankResult, error) {
	return nil, client.Unsupported(clientType, "rerank")
}

func pick(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
