package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"aibridge/internal/model"
	"aibridge/internal/models"
	"aibridge/internal/router"
)

// ChatCompletionRequest is the OpenAI-compatible request body accepted
// on /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        stopList      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

// wireMessage accepts content either as a plain string or as an OpenAI
// multimodal part array.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

// stopList accepts either a single string or an array of strings.
type stopList []string

func (s *stopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = stopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = stopList(many)
	return nil
}

// ToChatRequest converts the wire form into the unified request.
func (r ChatCompletionRequest) ToChatRequest() (models.ChatRequest, error) {
	req := models.ChatRequest{
		Model:  r.Model,
		Stream: r.Stream,
		Params: models.GenerationParams{
			Temperature: r.Temperature,
			TopP:        r.TopP,
			MaxTokens:   r.MaxTokens,
			Stop:        []string(r.Stop),
		},
	}

	for i, wm := range r.Messages {
		msg, err := wm.toMessage()
		if err != nil {
			return models.ChatRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, wt := range r.Tools {
		if wt.Type != "" && wt.Type != "function" {
			return models.ChatRequest{}, fmt.Errorf("unsupported tool type %q", wt.Type)
		}
		req.Tools = append(req.Tools, models.Tool{
			Name:        wt.Function.Name,
			Description: wt.Function.Description,
			Parameters:  wt.Function.Parameters,
		})
	}
	return req, nil
}

func (m wireMessage) toMessage() (models.Message, error) {
	msg := models.Message{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if len(m.Content) == 0 || string(m.Content) == "null" {
		return msg, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var parts []wireContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return models.Message{}, fmt.Errorf("content must be a string or an array of parts")
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			msg.Parts = append(msg.Parts, models.ContentPart{Type: models.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return models.Message{}, fmt.Errorf("image_url part is missing its url")
			}
			msg.Parts = append(msg.Parts, models.ContentPart{Type: models.PartImageURL, ImageURL: p.ImageURL.URL})
		default:
			return models.Message{}, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return msg, nil
}

// ChatCompletionResponse is the OpenAI-compatible buffered response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireChoice struct {
	Index        int             `json:"index"`
	Message      wireChatMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type wireChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func fromCompletion(modelID string, created int64, completion *models.Completion) ChatCompletionResponse {
	choice := wireChoice{
		Message: wireChatMessage{
			Role:    models.RoleAssistant,
			Content: completion.Content,
		},
		FinishReason: completion.FinishReason,
	}
	for _, call := range completion.ToolCalls {
		wc := wireToolCall{ID: call.ID, Type: "function"}
		wc.Function.Name = call.Name
		wc.Function.Arguments = call.Arguments
		choice.Message.ToolCalls = append(choice.Message.ToolCalls, wc)
	}

	id := completion.ID
	if id == "" {
		id = newCompletionID()
	}
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   modelID,
		Choices: []wireChoice{choice},
		Usage: wireUsage{
			PromptTokens:     completion.Usage.InputTokens,
			CompletionTokens: completion.Usage.OutputTokens,
			TotalTokens:      completion.Usage.Total(),
		},
	}
}

// chatChunk is one OpenAI-compatible streaming chunk.
type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *wireUsage        `json:"usage,omitempty"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role      string               `json:"role,omitempty"`
	Content   string               `json:"content,omitempty"`
	ToolCalls []chunkToolCallDelta `json:"tool_calls,omitempty"`
}

type chunkToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// EmbeddingsRequest accepts input either as a single string or an array.
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// Texts normalizes the input field.
func (r EmbeddingsRequest) Texts() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, fmt.Errorf("input must be a string or an array of strings")
	}
	if len(many) == 0 {
		return nil, fmt.Errorf("input must not be empty")
	}
	return many, nil
}

// EmbeddingsResponse mirrors the OpenAI embeddings response shape.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingItem `json:"data"`
	Usage  wireUsage       `json:"usage"`
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func fromEmbeddings(modelID string, result *models.EmbeddingsResult) EmbeddingsResponse {
	resp := EmbeddingsResponse{
		Object: "list",
		Model:  modelID,
		Data:   make([]embeddingItem, 0, len(result.Vectors)),
		Usage: wireUsage{
			PromptTokens: result.Usage.InputTokens,
			TotalTokens:  result.Usage.Total(),
		},
	}
	for i, vec := range result.Vectors {
		resp.Data = append(resp.Data, embeddingItem{Object: "embedding", Index: i, Embedding: vec})
	}
	return resp
}

// RerankRequest is the request body accepted on /v1/rerank.
type RerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankResponse carries scored documents, highest score first.
type RerankResponse struct {
	Model   string       `json:"model"`
	Results []rerankItem `json:"results"`
}

type rerankItem struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       string  `json:"document,omitempty"`
}

func fromRerank(modelID string, results []models.RerankResult) RerankResponse {
	resp := RerankResponse{Model: modelID, Results: make([]rerankItem, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, rerankItem{
			Index:          r.Index,
			RelevanceScore: r.Score,
			Document:       r.Document,
		})
	}
	return resp
}

// CompareRequest asks several models the same conversation at once.
type CompareRequest struct {
	Models      []string      `json:"models"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// CompareResponse lists per-model answers in request order.
type CompareResponse struct {
	Results []compareItem `json:"results"`
}

type compareItem struct {
	Model      string     `json:"model"`
	Content    string     `json:"content,omitempty"`
	Error      string     `json:"error,omitempty"`
	ElapsedMS  int64      `json:"elapsed_ms"`
	Usage      *wireUsage `json:"usage,omitempty"`
	FinishedOK bool       `json:"ok"`
}

func fromCompare(results []router.CompareResult) CompareResponse {
	resp := CompareResponse{Results: make([]compareItem, 0, len(results))}
	for _, r := range results {
		item := compareItem{Model: r.Model, ElapsedMS: r.Elapsed.Milliseconds()}
		if r.Err != nil {
			item.Error = r.Err.Error()
		} else {
			item.FinishedOK = true
			item.Content = r.Completion.Content
			item.Usage = &wireUsage{
				PromptTokens:     r.Completion.Usage.InputTokens,
				CompletionTokens: r.Completion.Usage.OutputTokens,
				TotalTokens:      r.Completion.Usage.Total(),
			}
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

// ModelsResponse mirrors the OpenAI model list shape, extended with the
// gateway's capability fields.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []modelItem `json:"data"`
}

type modelItem struct {
	ID                      string `json:"id"`
	Object                  string `json:"object"`
	OwnedBy                 string `json:"owned_by"`
	Type                    string `json:"type"`
	SupportsVision          bool   `json:"supports_vision,omitempty"`
	SupportsFunctionCalling bool   `json:"supports_function_calling,omitempty"`
	MaxInputTokens          int    `json:"max_input_tokens,omitempty"`
	MaxOutputTokens         int    `json:"max_output_tokens,omitempty"`
}

func fromDescriptors(descriptors []*model.Descriptor) ModelsResponse {
	resp := ModelsResponse{Object: "list", Data: make([]modelItem, 0, len(descriptors))}
	for _, d := range descriptors {
		resp.Data = append(resp.Data, modelItem{
			ID:                      d.ID(),
			Object:                  "model",
			OwnedBy:                 d.ClientName,
			Type:                    string(d.Type),
			SupportsVision:          d.SupportsVision,
			SupportsFunctionCalling: d.SupportsFunctionCalling,
			MaxInputTokens:          d.MaxInputTokens,
			MaxOutputTokens:         d.MaxOutputTokens,
		})
	}
	return resp
}
