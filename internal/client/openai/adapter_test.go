package openai

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibridge/internal/client"
	"aibridge/internal/config"
	"aibridge/internal/model"
	"aibridge/internal/models"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(config.ClientConfig{
		Name:    "main",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  "sk-test",
	})
	require.NoError(t, err)
	return a
}

func chatDescriptor() *model.Descriptor {
	return &model.Descriptor{
		ClientType:              "openai",
		ClientName:              "main",
		Name:                    "gpt-4o",
		Type:                    model.TypeChat,
		SupportsFunctionCalling: true,
	}
}

func bodyOf(t *testing.T, skel interface{ EncodeBody() ([]byte, error) }) map[string]any {
	t.Helper()
	data, err := skel.EncodeBody()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRenderChatBasics(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	temp := 0.2

	skel, err := a.RenderChat(d, []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	}, models.GenerationParams{Temperature: &temp}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", skel.URL)
	auth, _ := skel.Headers.Get("Authorization")
	assert.Equal(t, "Bearer sk-test", auth)

	body := bodyOf(t, skel)
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, 0.2, body["temperature"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	_, hasStream := body["stream"]
	assert.False(t, hasStream)
}

func TestRenderChatDescriptorDefaultsFillUnsetParams(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	dTemp := 0.7
	d.Temperature = &dTemp
	callTemp := 0.1

	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0.7, bodyOf(t, skel)["temperature"])

	skel, err = a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{Temperature: &callTemp}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0.1, bodyOf(t, skel)["temperature"])
}

func TestRenderChatRealNameOnWire(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.Name = "fast"
	d.RealName = "gpt-4o-mini"

	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", bodyOf(t, skel)["model"])
}

func TestRenderChatSystemPromptPrefix(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.SystemPromptPrefix = "Always answer in French."

	// Prefix prepends to an existing system turn.
	skel, err := a.RenderChat(d, []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "x"},
	}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	msgs := bodyOf(t, skel)["messages"].([]any)
	assert.Equal(t, "Always answer in French.\n\nbe terse", msgs[0].(map[string]any)["content"])

	// Without one, a synthetic system turn leads the conversation.
	skel, err = a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	msgs = bodyOf(t, skel)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "Always answer in French.", msgs[0].(map[string]any)["content"])
}

func TestRenderChatNoSystemMessageDowngradesRole(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.NoSystemMessage = true

	skel, err := a.RenderChat(d, []models.Message{
		{Role: models.RoleSystem, Content: "rules"},
		{Role: models.RoleUser, Content: "x"},
	}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	msgs := bodyOf(t, skel)["messages"].([]any)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestRenderChatVisionGate(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	msg := models.Message{Role: models.RoleUser, Parts: []models.ContentPart{
		{Type: models.PartText, Text: "what is this"},
		{Type: models.PartImageURL, ImageURL: "https://example.com/a.png"},
	}}

	_, err := a.RenderChat(d, []models.Message{msg}, models.GenerationParams{}, nil, false)
	assert.Error(t, err)

	d.SupportsVision = true
	skel, err := a.RenderChat(d, []models.Message{msg}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	content := bodyOf(t, skel)["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image_url", content[1].(map[string]any)["type"])
}

func TestRenderChatToolGate(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.SupportsFunctionCalling = false
	tools := []models.Tool{{Name: "lookup", Parameters: map[string]any{"type": "object"}}}

	_, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, tools, false)
	assert.Error(t, err)

	d.SupportsFunctionCalling = true
	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, tools, false)
	require.NoError(t, err)
	rendered := bodyOf(t, skel)["tools"].([]any)
	require.Len(t, rendered, 1)
	fn := rendered[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])
}

func TestRenderChatStreamFlag(t *testing.T) {
	a := newTestAdapter(t)
	skel, err := a.RenderChat(chatDescriptor(), []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, true)
	require.NoError(t, err)

	body := bodyOf(t, skel)
	assert.Equal(t, true, body["stream"])
	opts := body["stream_options"].(map[string]any)
	assert.Equal(t, true, opts["include_usage"])
}

func TestParseChat(t *testing.T) {
	a := newTestAdapter(t)
	raw := `{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"message": {"role": "assistant", "content": "hello", "tool_calls": [
				{"id": "call_1", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4}
	}`

	completion, err := a.ParseChat([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "hello", completion.Content)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "lookup", completion.ToolCalls[0].Name)
	assert.Equal(t, 10, completion.Usage.InputTokens)
}

func TestParseChatNoChoicesIsMalformed(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseChat([]byte(`{"choices":[]}`))
	assert.ErrorIs(t, err, client.ErrMalformedResponse)
}

func frames(lines ...string) io.ReadCloser {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func drain(t *testing.T, s client.EventStream) []models.CompletionEvent {
	t.Helper()
	var out []models.CompletionEvent
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestChatStreamEvents(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`[DONE]`,
	))
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, models.EventTextDelta, events[0].Type)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, models.EventUsage, events[2].Type)

	done := events[3]
	assert.Equal(t, models.EventDone, done.Type)
	assert.Equal(t, "stop", done.FinishReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 5, done.Usage.InputTokens)
}

func TestChatStreamSingleTerminalEvent(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(`{"choices":[{"delta":{"content":"x"}}]}`, `[DONE]`))
	defer stream.Close()

	events := drain(t, stream)
	terminal := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, models.EventDone, events[len(events)-1].Type)

	// After the terminal event every Next is io.EOF.
	_, err := stream.Next()
	assert.Equal(t, io.EOF, err)
	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestChatStreamTruncatedWithoutDoneStillTerminates(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(`{"choices":[{"delta":{"content":"partial"}}]}`))
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventDone, events[1].Type)
}

func TestChatStreamMalformedFrameIsErrorEvent(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(`{not json`))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventError, ev.Type)
	assert.ErrorIs(t, ev.Err, client.ErrMalformedResponse)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestChatStreamToolCallDeltas(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	))
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, "lookup", events[0].ToolCall.Name)
	assert.Equal(t, `{"q":`, events[1].ToolCall.Arguments)
	assert.Equal(t, "tool_calls", events[3].FinishReason)
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	d := &model.Descriptor{ClientName: "main", Name: "text-embedding-3-small", Type: model.TypeEmbedding}

	skel, err := a.RenderEmbeddings(d, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/embeddings", skel.URL)
	body := bodyOf(t, skel)
	assert.Equal(t, []any{"alpha", "beta"}, body["input"])

	// Out-of-order data items land at their declared index.
	result, err := a.ParseEmbeddings([]byte(`{"data":[{"index":1,"embedding":[0.2]},{"index":0,"embedding":[0.1]}],"usage":{"prompt_tokens":3}}`))
	require.NoError(t, err)
	require.Len(t, result.Vectors, 2)
	assert.Equal(t, float32(0.1), result.Vectors[0][0])
	assert.Equal(t, float32(0.2), result.Vectors[1][0])
	assert.Equal(t, 3, result.Usage.InputTokens)

	_, err = a.ParseEmbeddings([]byte(`{"data":[{"index":5,"embedding":[0.1]}]}`))
	assert.ErrorIs(t, err, client.ErrMalformedResponse)
}

func TestRerankRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	d := &model.Descriptor{ClientName: "main", Name: "rerank-1", Type: model.TypeReranker}

	skel, err := a.RenderRerank(d, "query", []string{"doc a", "doc b"}, 1)
	require.NoError(t, err)
	body := bodyOf(t, skel)
	assert.Equal(t, "query", body["query"])
	assert.Equal(t, float64(1), body["top_n"])

	results, err := a.ParseRerank([]byte(`{"results":[{"index":1,"relevance_score":0.9,"document":"doc b"},{"index":0,"relevance_score":0.2,"document":{"text":"doc a"}}]}`))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc b", results[0].Document)
	assert.Equal(t, "doc a", results[1].Document)
}
