package gemini

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
		Name:    "google",
		BaseURL: "https://generativelanguage.googleapis.com",
		APIKey:  "key-test",
	})
	require.NoError(t, err)
	return a
}

func chatDescriptor() *model.Descriptor {
	return &model.Descriptor{
		ClientType:              "gemini",
		ClientName:              "google",
		Name:                    "gemini-2.0-flash",
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

func TestRenderChatURLAndAuth(t *testing.T) {
	a := newTestAdapter(t)
	d := chatDescriptor()

	skel, err := a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "hi"}}, models.GenerationParams{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", skel.URL)

	// Credentials travel in a header, never in the URL.
	key, _ := skel.Headers.Get("x-goog-api-key")
	assert.Equal(t, "key-test", key)
	assert.NotContains(t, skel.URL, "key-test")

	skel, err = a.RenderChat(d, []models.Message{{Role: models.RoleUser, Content: "hi"}}, models.GenerationParams{}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", skel.URL)
}

func TestRenderChatSystemInstructionAndRoles(t *testing.T) {
	a := newTestAdapter(t)
	temp := 0.4

	skel, err := a.RenderChat(chatDescriptor(), []models.Message{
		{Role: models.RoleSystem, Content: "rules"},
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, Content: "a"},
	}, models.GenerationParams{Temperature: &temp}, nil, false)
	require.NoError(t, err)

	body := bodyOf(t, skel)
	sys := body["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)
	assert.Equal(t, "rules", sys["text"])

	contents := body["contents"].([]any)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])

	gen := body["generationConfig"].(map[string]any)
	assert.Equal(t, 0.4, gen["temperature"])
}

func TestRenderChatFunctionDeclarationsAndResponse(t *testing.T) {
	a := newTestAdapter(t)
	tools := []models.Tool{{Name: "lookup", Description: "d", Parameters: map[string]any{"type": "object"}}}

	skel, err := a.RenderChat(chatDescriptor(), []models.Message{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_0", Name: "lookup", Arguments: `{"q":1}`}}},
		{Role: models.RoleTool, Name: "lookup", Content: `{"answer":42}`},
	}, models.GenerationParams{}, tools, false)
	require.NoError(t, err)

	body := bodyOf(t, skel)
	decls := body["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	require.Len(t, decls, 1)
	assert.Equal(t, "lookup", decls[0].(map[string]any)["name"])

	contents := body["contents"].([]any)
	require.Len(t, contents, 3)

	call := contents[1].(map[string]any)["parts"].([]any)[0].(map[string]any)["functionCall"].(map[string]any)
	assert.Equal(t, "lookup", call["name"])
	assert.Equal(t, float64(1), call["args"].(map[string]any)["q"])

	// Tool results come back as a functionResponse part in a user turn.
	toolTurn := contents[2].(map[string]any)
	assert.Equal(t, "user", toolTurn["role"])
	response := toolTurn["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, float64(42), response["response"].(map[string]any)["answer"])
}

func TestParseChat(t *testing.T) {
	a := newTestAdapter(t)
	raw := `{
		"candidates": [{
			"content": {"parts": [{"text": "Hi"}, {"functionCall": {"name": "lookup", "args": {"q": 1}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 3},
		"modelVersion": "gemini-2.0-flash"
	}`

	completion, err := a.ParseChat([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hi", completion.Content)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "call_0", completion.ToolCalls[0].ID)
	// A stop with tool calls surfaces as a tool_calls finish.
	assert.Equal(t, "tool_calls", completion.FinishReason)
	assert.Equal(t, 8, completion.Usage.InputTokens)

	_, err = a.ParseChat([]byte(`{"candidates":[]}`))
	assert.ErrorIs(t, err, client.ErrMalformedResponse)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", mapFinishReason("STOP"))
	assert.Equal(t, "length", mapFinishReason("MAX_TOKENS"))
	assert.Equal(t, "safety", mapFinishReason("SAFETY"))
}

func frames(lines ...string) io.ReadCloser {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: " + l + "\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestChatStreamEmitsUsageBeforeDone(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(
		`{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`,
	))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hel", ev.Text)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "lo", ev.Text)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventUsage, ev.Type)
	assert.Equal(t, 4, ev.Usage.InputTokens)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventDone, ev.Type)
	assert.Equal(t, "stop", ev.FinishReason)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestChatStreamMalformedFrame(t *testing.T) {
	a := newTestAdapter(t)
	stream := a.ParseChatStream(frames(`{bad`))
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventError, ev.Type)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestEmbeddings(t *testing.T) {
	a := newTestAdapter(t)
	d := &model.Descriptor{ClientName: "google", Name: "text-embedding-004", Type: model.TypeEmbedding}

	skel, err := a.RenderEmbeddings(d, []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/text-embedding-004:batchEmbedContents", skel.URL)
	requests := bodyOf(t, skel)["requests"].([]any)
	require.Len(t, requests, 2)
	assert.Equal(t, "models/text-embedding-004", requests[0].(map[string]any)["model"])

	result, err := a.ParseEmbeddings([]byte(`{"embeddings":[{"values":[0.1,0.2]},{"values":[0.3]}]}`))
	require.NoError(t, err)
	require.Len(t, result.Vectors, 2)
	assert.Equal(t, float32(0.3), result.Vectors[1][0])
}

func TestRerankUnsupported(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.RenderRerank(chatDescriptor(), "q", []string{"d"}, 0)
	assert.ErrorIs(t, err, client.ErrUnsupportedOperation)
}
