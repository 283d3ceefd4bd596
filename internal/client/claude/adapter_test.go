package claude

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
	"aibridge/internal/patch"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(config.ClientConfig{
		Name:    "anthropic",
		BaseURL: "https://api.anthropic.com",
		APIKey:  "sk-ant-test",
	})
	require.NoError(t, err)
	return a
}

func chatDescriptor() *model.Descriptor {
	return &model.Descriptor{
		ClientType:              "claude",
		ClientName:              "anthropic",
		Name:                    "claude-sonnet",
		Type:                    model.TypeChat,
		SupportsFunctionCalling: true,
	}
}

func bodyOf(t *testing.T, skel *patch.RequestSkeleton) map[string]any {
	t.Helper()
	data, err := skel.EncodeBody()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRenderChatLiftsSystemTurns(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.SystemPromptPrefix = "Prefix."

	skel, err := a.RenderChat(d, []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", skel.URL)
	key, _ := skel.Headers.Get("x-api-key")
	assert.Equal(t, "sk-ant-test", key)
	version, _ := skel.Headers.Get("anthropic-version")
	assert.Equal(t, "2023-06-01", version)

	body := bodyOf(t, skel)
	assert.Equal(t, "Prefix.\n\nbe terse", body["system"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestRenderChatMaxTokensRequired(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()

	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, float64(4096), bodyOf(t, skel)["max_tokens"])

	limit := 128
	d.MaxTokens = &limit
	skel, err = a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, float64(128), bodyOf(t, skel)["max_tokens"])

	override := 64
	skel, err = a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "x"}}, models.GenerationParams{MaxTokens: &override}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, float64(64), bodyOf(t, skel)["max_tokens"])
}

func TestRenderChatToolResultTurn(t *testing.T) {
	a := newTestAdapter(t)
	skel, err := a.RenderChat(chatDescriptor(), []models.Message{
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "toolu_1", Name: "weather", Arguments: `{"city":"Oslo"}`}}},
		{Role: models.RoleTool, ToolCallID: "toolu_1", Content: "snow"},
	}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)

	msgs := bodyOf(t, skel)["messages"].([]any)
	require.Len(t, msgs, 3)

	assistant := msgs[1].(map[string]any)
	blocks := assistant["content"].([]any)
	require.Len(t, blocks, 1)
	use := blocks[0].(map[string]any)
	assert.Equal(t, "tool_use", use["type"])
	assert.Equal(t, "Oslo", use["input"].(map[string]any)["city"])

	result := msgs[2].(map[string]any)
	assert.Equal(t, "user", result["role"])
	block := result["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
}

func TestRenderChatImageSources(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()
	d.SupportsVision = true

	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{
		{Type: models.PartImageURL, ImageURL: "data:image/png;base64,aGk="},
		{Type: models.PartImageURL, ImageURL: "https://example.com/a.png"},
	}}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)

	blocks := bodyOf(t, skel)["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, blocks, 2)

	inline := blocks[0].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "base64", inline["type"])
	assert.Equal(t, "image/png", inline["media_type"])
	assert.Equal(t, "aGk=", inline["data"])

	remote := blocks[1].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "url", remote["type"])
}

func TestParseChat(t *testing.T) {
	a := newTestAdapter(t)
	raw := `{
		"id": "msg_1",
		"model": "claude-sonnet",
		"content": [
			{"type": "text", "text": "Hello"},
			{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": 1}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`

	completion, err := a.ParseChat([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hello", completion.Content)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.ToolCalls, 1)
	assert.JSONEq(t, `{"q":1}`, completion.ToolCalls[0].Arguments)
	assert.Equal(t, 12, completion.Usage.InputTokens)
	assert.Equal(t, 7, completion.Usage.OutputTokens)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use"))
	assert.Equal(t, "other", mapStopReason("other"))
}

func sse(events ...[2]string) io.ReadCloser {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("event: " + ev[0] + "\n")
		b.WriteString("data: " + ev[1] + "\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestChatStreamEvents(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(sse(
		[2]string{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":9}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventTextDelta, ev.Type)
	assert.Equal(t, "Hi", ev.Text)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventUsage, ev.Type)
	assert.Equal(t, 9, ev.Usage.InputTokens)
	assert.Equal(t, 3, ev.Usage.OutputTokens)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventDone, ev.Type)
	assert.Equal(t, "stop", ev.FinishReason)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestChatStreamToolUse(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(sse(
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":1}"}}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.ToolCall)
	assert.Equal(t, "toolu_1", ev.ToolCall.ID)
	assert.Equal(t, "lookup", ev.ToolCall.Name)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"q":1}`, ev.ToolCall.Arguments)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventUsage, ev.Type)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventDone, ev.Type)
	assert.Equal(t, "tool_calls", ev.FinishReason)
}

func TestChatStreamErrorFrame(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(sse(
		[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`},
	))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventError, ev.Type)
	assert.Contains(t, ev.Err.Error(), "overloaded_error")

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestEmbeddingsUnsupported(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.RenderEmbeddings(chatDescriptor(), []string{"x"})
	assert.ErrorIs(t, err, client.ErrUnsupportedOperation)

	_, err = a.RenderRerank(chatDescriptor(), "q", []string{"d"}, 0)
	assert.ErrorIs(t, err, client.ErrUnsupportedOperation)
}
