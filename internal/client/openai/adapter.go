// Package openai implements the adapter for OpenAI-compatible backends:
// chat completions (buffered and streamed), embeddings, and rerank.
package openai

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
	clientType = "openai"
	userAgent  = "aibridge/0.1"
)

// Adapter renders and parses the OpenAI-compatible wire protocol. It
// performs no network I/O.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
}

// New constructs an adapter from client configuration. An empty api_key
// is allowed: local OpenAI-compatible backends often run unauthenticated.
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
	if a.apiKey != "" {
		skel.Headers.Set("Authorization", "Bearer "+a.apiKey)
	}
	for _, k := range sortedKeys(a.headers) {
		skel.Headers.Set(k, a.headers[k])
	}
}

// RenderChat builds a /chat/completions request body, applying descriptor
// defaults for any generation parameter the caller left unset.
func (a *Adapter) RenderChat(d *model.Descriptor, msgs []models.Message, params models.GenerationParams, tools []models.Tool, stream bool) (*patch.RequestSkeleton, error) {
	skel := patch.NewSkeleton(a.baseURL + "/chat/completions")
	a.authorize(skel)

	body := skel.Body
	body.Set("model", patch.String(d.UpstreamName()))

	rendered, err := renderMessages(d, msgs)
	if err != nil {
		return nil, err
	}
	body.Set("messages", rendered)

	if t := firstFloat(params.Temperature, d.Temperature); t != nil {
		body.Set("temperature", patch.Number(*t))
	}
	if t := firstFloat(params.TopP, d.TopP); t != nil {
		body.Set("top_p", patch.Number(*t))
	}
	if t := firstInt(params.MaxTokens, d.MaxTokens); t != nil {
		body.Set("max_tokens", patch.Number(float64(*t)))
	}
	if len(params.Stop) > 0 {
		stop := patch.Sequence()
		for _, s := range params.Stop {
			stop.Append(patch.String(s))
		}
		body.Set("stop", stop)
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
		body.Set("stream_options", patch.Mapping().Set("include_usage", patch.Bool(true)))
	}

	return skel, nil
}

func renderMessages(d *model.Descriptor, msgs []models.Message) (*patch.Value, error) {
	out := patch.Sequence()

	prefix := d.SystemPromptPrefix
	sawSystem := false

	for _, msg := range msgs {
		role := msg.Role
		if role == models.RoleSystem {
			if d.NoSystemMessage {
				// Backends without system turns take the text as a
				// leading user turn instead.
				role = models.RoleUser
			}
			if !sawSystem && prefix != "" {
				msg.Content = prefix + "\n\n" + msg.Text()
				msg.Parts = nil
			}
			sawSystem = true
		}

		m := patch.Mapping().Set("role", patch.String(role))

		switch {
		case len(msg.Parts) > 0:
			if !d.SupportsVision && hasImagePart(msg.Parts) {
				return nil, fmt.Errorf("model %s does not support vision input", d.ID())
			}
			content := patch.Sequence()
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					content.Append(patch.Mapping().
						Set("type", patch.String("text")).
						Set("text", patch.String(part.Text)))
				case "image_url":
					content.Append(patch.Mapping().
						Set("type", patch.String("image_url")).
						Set("image_url", patch.Mapping().Set("url", patch.String(part.ImageURL))))
				default:
					return nil, fmt.Errorf("unsupported content part type %q", part.Type)
				}
			}
			m.Set("content", content)
		default:
			m.Set("content", patch.String(msg.Content))
		}

		if msg.Name != "" {
			m.Set("name", patch.String(msg.Name))
		}
		if len(msg.ToolCalls) > 0 {
			calls := patch.Sequence()
			for _, call := range msg.ToolCalls {
				calls.Append(patch.Mapping().
					Set("id", patch.String(call.ID)).
					Set("type", patch.String("function")).
					Set("function", patch.Mapping().
						Set("name", patch.String(call.Name)).
						Set("arguments", patch.String(call.Arguments))))
			}
			m.Set("tool_calls", calls)
		}
		if msg.ToolCallID != "" {
			m.Set("tool_call_id", patch.String(msg.ToolCallID))
		}

		out.Append(m)
	}

	if prefix != "" && !sawSystem {
		system := patch.Mapping().
			Set("role", patch.String(models.RoleSystem)).
			Set("content", patch.String(prefix))
		withSystem := patch.Sequence(system)
		for _, item := range out.Items() {
			withSystem.Append(item)
		}
		out = withSystem
	}

	return out, nil
}

func renderTools(tools []models.Tool) (*patch.Value, error) {
	out := patch.Sequence()
	for _, tool := range tools {
		params, err := patch.FromAny(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s parameters: %w", tool.Name, err)
		}
		out.Append(patch.Mapping().
			Set("type", patch.String("function")).
			Set("function", patch.Mapping().
				Set("name", patch.String(tool.Name)).
				Set("description", patch.String(tool.Description)).
				Set("parameters", params)))
	}
	return out, nil
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ParseChat parses a buffered chat completion response.
func (a *Adapter) ParseChat(data []byte) (*models.Completion, error) {
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Choices) == 0 {
		return nil, client.Malformed(clientType, "response has no choices")
	}

	choice := resp.Choices[0]
	completion := &models.Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, call := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if resp.Usage != nil {
		completion.Usage = models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return completion, nil
}

// ParseChatStream wraps an SSE response body in a normalized event stream.
func (a *Adapter) ParseChatStream(body io.ReadCloser) client.EventStream {
	return &chatStream{reader: client.NewSSEReader(body), body: body}
}

type chunkResponse struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage"`
}

type chatStream struct {
	reader *client.SSEReader
	body   io.ReadCloser

	pending []models.CompletionEvent
	finish  string
	usage   *models.Usage
	done    bool
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

		if frame.Data == "[DONE]" {
			return s.terminate(), nil
		}

		var chunk chunkResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			s.done = true
			return models.CompletionEvent{
				Type: models.EventError,
				Err:  client.Malformed(clientType, "stream frame: "+err.Error()),
			}, nil
		}

		s.collect(chunk)
	}
}

// terminate emits the single done event carrying the finish reason and
// any usage reported on the final chunk.
func (s *chatStream) terminate() models.CompletionEvent {
	s.done = true
	finish := s.finish
	if finish == "" {
		finish = "stop"
	}
	return models.CompletionEvent{Type: models.EventDone, FinishReason: finish, Usage: s.usage}
}

func (s *chatStream) collect(chunk chunkResponse) {
	if chunk.Usage != nil {
		usage := models.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
		s.usage = &usage
		s.pending = append(s.pending, models.CompletionEvent{Type: models.EventUsage, Usage: &usage})
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, models.CompletionEvent{
			Type: models.EventTextDelta,
			Text: choice.Delta.Content,
		})
	}
	for _, call := range choice.Delta.ToolCalls {
		s.pending = append(s.pending, models.CompletionEvent{
			Type: models.EventToolCallDelta,
			ToolCall: &models.ToolCallDelta{
				Index:     call.Index,
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	if choice.FinishReason != "" {
		s.finish = choice.FinishReason
	}
}

// RenderEmbeddings builds an /embeddings request for a batch of texts.
func (a *Adapter) RenderEmbeddings(d *model.Descriptor, texts []string) (*patch.RequestSkeleton, error) {
	if len(texts) == 0 {
		return nil, errors.New("embeddings input must not be empty")
	}
	skel := patch.NewSkeleton(a.baseURL + "/embeddings")
	a.authorize(skel)

	input := patch.Sequence()
	for _, text := range texts {
		input.Append(patch.String(text))
	}
	skel.Body.
		Set("model", patch.String(d.UpstreamName())).
		Set("input", input).
		Set("encoding_format", patch.String("float"))
	return skel, nil
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// ParseEmbeddings parses an embeddings response into vectors ordered by
// input index.
func (a *Adapter) ParseEmbeddings(data []byte) (*models.EmbeddingsResult, error) {
	var resp embeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Data) == 0 {
		return nil, client.Malformed(clientType, "embeddings response has no data")
	}

	result := &models.EmbeddingsResult{Vectors: make([][]float32, len(resp.Data))}
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(resp.Data) {
			return nil, client.Malformed(clientType, fmt.Sprintf("embedding index %d out of range", item.Index))
		}
		result.Vectors[item.Index] = item.Embedding
	}
	if resp.Usage != nil {
		result.Usage = models.Usage{InputTokens: resp.Usage.PromptTokens}
	}
	return result, nil
}

// RenderRerank builds a /rerank request in the shape shared by Jina,
// Cohere and compatible gateways.
func (a *Adapter) RenderRerank(d *model.Descriptor, query string, documents []string, topN int) (*patch.RequestSkeleton, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("rerank query must not be empty")
	}
	if len(documents) == 0 {
		return nil, errors.New("rerank documents must not be empty")
	}
	skel := patch.NewSkeleton(a.baseURL + "/rerank")
	a.authorize(skel)

	docs := patch.Sequence()
	for _, doc := range documents {
		docs.Append(patch.String(doc))
	}
	skel.Body.
		Set("model", patch.String(d.UpstreamName())).
		Set("query", patch.String(query)).
		Set("documents", docs)
	if topN > 0 {
		skel.Body.Set("top_n", patch.Number(float64(topN)))
	}
	return skel, nil
}

type rerankResponse struct {
	Results []struct {
		Index          int             `json:"index"`
		RelevanceScore float64         `json:"relevance_score"`
		Document       json.RawMessage `json:"document"`
	} `json:"results"`
}

// ParseRerank parses a rerank response. The optional document field may
// be a bare string or a {text} object depending on the backend.
func (a *Adapter) ParseRerank(data []byte) ([]models.RerankResult, error) {
	var resp rerankResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Results) == 0 {
		return nil, client.Malformed(clientType, "rerank response has no results")
	}

	results := make([]models.RerankResult, 0, len(resp.Results))
	for _, item := range resp.Results {
		result := models.RerankResult{Index: item.Index, Score: item.RelevanceScore}
		if len(item.Document) > 0 {
			var asString string
			var asObject struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(item.Document, &asString); err == nil {
				result.Document = asString
			} else if err := json.Unmarshal(item.Document, &asObject); err == nil {
				result.Document = asObject.Text
			}
		}
		results = append(results, result)
	}
	return results, nil
}

func hasImagePart(parts []models.ContentPart) bool {
	for _, part := range parts {
		if part.Type == "image_url" {
			return true
		}
	}
	return false
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
