// Package gemini implements the adapter for the Google Gemini API: chat
// completions (buffered and streamed) and batch embeddings. Gemini has no
// rerank endpoint.
package gemini

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
	clientType = "gemini"
	userAgent  = "aibridge/0.1"
)

// Adapter renders and parses the Gemini REST wire protocol. Credentials
// travel in the x-goog-api-key header so patched URLs never carry them.
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
	skel.Headers.Set("x-goog-api-key", a.apiKey)
	keys := make([]string, 0, len(a.headers))
	for k := range a.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		skel.Headers.Set(k, a.headers[k])
	}
}

// RenderChat builds a generateContent request. Streaming switches the
// method to streamGenerateContent with SSE framing.
func (a *Adapter) RenderChat(d *model.Descriptor, msgs []models.Message, params models.GenerationParams, tools []models.Tool, stream bool) (*patch.RequestSkeleton, error) {
	method := "generateContent"
	suffix := ""
	if stream {
		method = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	skel := patch.NewSkeleton(fmt.Sprintf("%s/v1beta/models/%s:%s%s", a.baseURL, d.UpstreamName(), method, suffix))
	a.authorize(skel)

	var systemParts []string
	if d.SystemPromptPrefix != "" {
		systemParts = append(systemParts, d.SystemPromptPrefix)
	}

	contents := patch.Sequence()
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleUser, models.RoleAssistant, models.RoleTool:
			turn, err := renderContent(d, msg)
			if err != nil {
				return nil, err
			}
			contents.Append(turn)
		default:
			return nil, fmt.Errorf("gemini does not support role %q", msg.Role)
		}
	}
	if contents.Len() == 0 {
		return nil, errors.New("gemini requires at least one user message")
	}

	body := skel.Body
	if len(systemParts) > 0 && !d.NoSystemMessage {
		body.Set("systemInstruction", patch.Mapping().
			Set("parts", patch.Sequence(patch.Mapping().
				Set("text", patch.String(strings.Join(systemParts, "\n\n"))))))
	}
	body.Set("contents", contents)

	genConfig := patch.Mapping()
	if t := pick(params.Temperature, d.Temperature); t != nil {
		genConfig.Set("temperature", patch.Number(*t))
	}
	if t := pick(params.TopP, d.TopP); t != nil {
		genConfig.Set("topP", patch.Number(*t))
	}
	if params.MaxTokens != nil {
		genConfig.Set("maxOutputTokens", patch.Number(float64(*params.MaxTokens)))
	} else if d.MaxTokens != nil {
		genConfig.Set("maxOutputTokens", patch.Number(float64(*d.MaxTokens)))
	}
	if len(params.Stop) > 0 {
		stops := patch.Sequence()
		for _, s := range params.Stop {
			stops.Append(patch.String(s))
		}
		genConfig.Set("stopSequences", stops)
	}
	if genConfig.Len() > 0 {
		body.Set("generationConfig", genConfig)
	}

	if len(tools) > 0 {
		if !d.SupportsFunctionCalling {
			return nil, fmt.Errorf("model %s does not support function calling", d.ID())
		}
		decls := patch.Sequence()
		for _, tool := range tools {
			schema, err := patch.FromAny(tool.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s parameters: %w", tool.Name, err)
			}
			decls.Append(patch.Mapping().
				Set("name", patch.String(tool.Name)).
				Set("description", patch.String(tool.Description)).
				Set("parameters", schema))
		}
		body.Set("tools", patch.Sequence(patch.Mapping().Set("functionDeclarations", decls)))
	}

	return skel, nil
}

func renderContent(d *model.Descriptor, msg models.Message) (*patch.Value, error) {
	role := "user"
	if msg.Role == models.RoleAssistant {
		role = "model"
	}

	parts := patch.Sequence()

	if msg.Role == models.RoleTool {
		// Tool results travel back as a functionResponse part in a user turn.
		var response any
		if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
			response = map[string]any{"result": msg.Content}
		}
		responseVal, err := patch.FromAny(response)
		if err != nil {
			return nil, err
		}
		parts.Append(patch.Mapping().
			Set("functionResponse", patch.Mapping().
				Set("name", patch.String(msg.Name)).
				Set("response", responseVal)))
		return patch.Mapping().
			Set("role", patch.String("user")).
			Set("parts", parts), nil
	}

	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch part.Type {
			case "text":
				parts.Append(patch.Mapping().Set("text", patch.String(part.Text)))
			case "image_url":
				if !d.SupportsVision {
					return nil, fmt.Errorf("model %s does not support vision input", d.ID())
				}
				block, err := imagePart(part.ImageURL)
				if err != nil {
					return nil, err
				}
				parts.Append(block)
			default:
				return nil, fmt.Errorf("unsupported content part type %q", part.Type)
			}
		}
	} else if msg.Content != "" {
		parts.Append(patch.Mapping().Set("text", patch.String(msg.Content)))
	}

	for _, call := range msg.ToolCalls {
		var args any
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		argsVal, err := patch.FromAny(args)
		if err != nil {
			return nil, err
		}
		parts.Append(patch.Mapping().
			Set("functionCall", patch.Mapping().
				Set("name", patch.String(call.Name)).
				Set("args", argsVal)))
	}

	if parts.Len() == 0 {
		return nil, errors.New("gemini messages must not be empty")
	}

	return patch.Mapping().
		Set("role", patch.String(role)).
		Set("parts", parts), nil
}

func imagePart(url string) (*patch.Value, error) {
	if data, ok := strings.CutPrefix(url, "data:"); ok {
		mimeType, payload, found := strings.Cut(data, ";base64,")
		if !found {
			return nil, fmt.Errorf("image data URI must be base64 encoded")
		}
		return patch.Mapping().
			Set("inlineData", patch.Mapping().
				Set("mimeType", patch.String(mimeType)).
				Set("data", patch.String(payload))), nil
	}
	return patch.Mapping().
		Set("fileData", patch.Mapping().
			Set("fileUri", patch.String(url))), nil
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ParseChat parses a buffered generateContent response.
func (a *Adapter) ParseChat(data []byte) (*models.Completion, error) {
	var resp generateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Candidates) == 0 {
		return nil, client.Malformed(clientType, "response has no candidates")
	}

	completion := &models.Completion{Model: resp.ModelVersion}
	candidate := resp.Candidates[0]
	completion.FinishReason = mapFinishReason(candidate.FinishReason)

	var text strings.Builder
	callIndex := 0
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
				ID:        fmt.Sprintf("call_%d", callIndex),
				Name:      part.FunctionCall.Name,
				Arguments: string(part.FunctionCall.Args),
			})
			callIndex++
		}
	}
	completion.Content = text.String()
	if len(completion.ToolCalls) > 0 && completion.FinishReason == "stop" {
		completion.FinishReason = "tool_calls"
	}

	if resp.UsageMetadata != nil {
		completion.Usage = models.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return completion, nil
}

// ParseChatStream wraps an alt=sse response body in a normalized event
// stream. Each frame carries the same shape as a buffered response with
// incremental candidate parts.
func (a *Adapter) ParseChatStream(body io.ReadCloser) client.EventStream {
	return &chatStream{reader: client.NewSSEReader(body), body: body}
}

type chatStream struct {
	reader *client.SSEReader
	body   io.ReadCloser

	pending   []models.CompletionEvent
	usage     *models.Usage
	finish    string
	callIndex int
	done      bool
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

		var chunk generateResponse
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

func (s *chatStream) collect(chunk generateResponse) {
	if len(chunk.Candidates) > 0 {
		candidate := chunk.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				s.pending = append(s.pending, models.CompletionEvent{
					Type: models.EventTextDelta,
					Text: part.Text,
				})
			}
			if part.FunctionCall != nil {
				s.pending = append(s.pending, models.CompletionEvent{
					Type: models.EventToolCallDelta,
					ToolCall: &models.ToolCallDelta{
						Index:     s.callIndex,
						ID:        fmt.Sprintf("call_%d", s.callIndex),
						Name:      part.FunctionCall.Name,
						Arguments: string(part.FunctionCall.Args),
					},
				})
				s.callIndex++
			}
		}
		if candidate.FinishReason != "" {
			s.finish = mapFinishReason(candidate.FinishReason)
		}
	}
	if chunk.UsageMetadata != nil {
		usage := models.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
		s.usage = &usage
	}
}

func (s *chatStream) terminate() models.CompletionEvent {
	s.done = true
	finish := s.finish
	if finish == "" {
		finish = "stop"
	}
	ev := models.CompletionEvent{Type: models.EventDone, FinishReason: finish, Usage: s.usage}
	if s.usage != nil {
		// Usage arrives on the final frame; surface it before done.
		s.pending = append(s.pending, ev)
		return models.CompletionEvent{Type: models.EventUsage, Usage: s.usage}
	}
	return ev
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// RenderEmbeddings builds a batchEmbedContents request.
func (a *Adapter) RenderEmbeddings(d *model.Descriptor, texts []string) (*patch.RequestSkeleton, error) {
	if len(texts) == 0 {
		return nil, errors.New("embeddings input must not be empty")
	}
	skel := patch.NewSkeleton(fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", a.baseURL, d.UpstreamName()))
	a.authorize(skel)

	requests := patch.Sequence()
	for _, text := range texts {
		requests.Append(patch.Mapping().
			Set("model", patch.String("models/"+d.UpstreamName())).
			Set("content", patch.Mapping().
				Set("parts", patch.Sequence(patch.Mapping().Set("text", patch.String(text))))))
	}
	skel.Body.Set("requests", requests)
	return skel, nil
}

type embeddingsResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// ParseEmbeddings parses a batchEmbedContents response.
func (a *Adapter) ParseEmbeddings(data []byte) (*models.EmbeddingsResult, error) {
	var resp embeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, client.Malformed(clientType, err.Error())
	}
	if len(resp.Embeddings) == 0 {
		return nil, client.Malformed(clientType, "embeddings response has no values")
	}
	result := &models.EmbeddingsResult{Vectors: make([][]float32, len(resp.Embeddings))}
	for i, item := range resp.Embeddings {
		result.Vectors[i] = item.Values
	}
	return result, nil
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
