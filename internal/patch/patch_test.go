package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFragment(t *testing.T, raw string) *Fragment {
	t.Helper()
	f, err := ParseFragmentJSON([]byte(raw))
	require.NoError(t, err)
	return f
}

func TestApplyMergesNestedMappings(t *testing.T) {
	s := NewSkeleton("https://api.example.com/v1/chat/completions")
	s.Body.Set("model", String("gpt-4o"))
	opts := Mapping()
	opts.Set("keep", Bool(true))
	opts.Set("replace", Number(1))
	s.Body.Set("options", opts)

	Apply(s, mustFragment(t, `{"body":{"options":{"replace":2,"added":"x"}}}`))

	got, _ := s.Body.Get("options")
	keep, _ := got.Get("keep")
	assert.True(t, keep.BoolValue())
	replaced, _ := got.Get("replace")
	assert.Equal(t, float64(2), replaced.NumberValue())
	added, _ := got.Get("added")
	assert.Equal(t, "x", added.StringValue())
}

func TestApplyNullDeletesKey(t *testing.T) {
	s := NewSkeleton("https://api.example.com")
	s.Body.Set("temperature", Number(0.7))
	s.Body.Set("model", String("m"))

	Apply(s, mustFragment(t, `{"body":{"temperature":null}}`))

	_, ok := s.Body.Get("temperature")
	assert.False(t, ok)
	_, ok = s.Body.Get("model")
	assert.True(t, ok)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := mustFragment(t, `{"url":"https://other.example.com","body":{"a":{"b":1},"gone":null},"headers":{"X-Flag":"on","X-Drop":null}}`)

	build := func() *RequestSkeleton {
		s := NewSkeleton("https://api.example.com")
		s.Body.Set("gone", String("soon"))
		s.Headers.Set("X-Drop", "present")
		return s
	}

	once := build()
	Apply(once, f)
	twice := build()
	Apply(twice, f)
	Apply(twice, f)

	assert.Equal(t, once.URL, twice.URL)
	assert.True(t, once.Body.Equal(twice.Body))
	assert.Equal(t, once.Headers.Names(), twice.Headers.Names())
}

func TestApplySequencesReplaceWholesale(t *testing.T) {
	s := NewSkeleton("https://api.example.com")
	s.Body.Set("stop", Sequence(String("a"), String("b")))

	Apply(s, mustFragment(t, `{"body":{"stop":["only"]}}`))

	stop, _ := s.Body.Get("stop")
	require.Equal(t, 1, stop.Len())
	assert.Equal(t, "only", stop.Items()[0].StringValue())
}

func TestApplyHeaderEdits(t *testing.T) {
	s := NewSkeleton("https://api.example.com")
	s.Headers.Set("Authorization", "Bearer k")
	s.Headers.Set("X-Remove", "yes")

	Apply(s, mustFragment(t, `{"headers":{"X-Remove":null,"X-Add":"v","Authorization":"Bearer other"}}`))

	_, ok := s.Headers.Get("X-Remove")
	assert.False(t, ok)
	auth, _ := s.Headers.Get("Authorization")
	assert.Equal(t, "Bearer other", auth)
	added, _ := s.Headers.Get("X-Add")
	assert.Equal(t, "v", added)
}

func TestParseFragmentRejectsUnknownKeys(t *testing.T) {
	_, err := ParseFragmentJSON([]byte(`{"body":{},"bogus":1}`))
	assert.Error(t, err)
}

func TestParseFragmentRejectsNonObject(t *testing.T) {
	_, err := ParseFragmentJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestClientLayerFirstMatchWins(t *testing.T) {
	layer := NewClientLayer([]PatternFragment{
		{Pattern: "gpt-4o.*", Fragment: mustFragment(t, `{"body":{"pick":"specific"}}`)},
		{Pattern: ".*", Fragment: mustFragment(t, `{"body":{"pick":"wildcard"}}`)},
	})

	f := layer.Match("gpt-4o-mini")
	require.NotNil(t, f)
	pick, _ := f.Body.Get("pick")
	assert.Equal(t, "specific", pick.StringValue())

	f = layer.Match("o3")
	require.NotNil(t, f)
	pick, _ = f.Body.Get("pick")
	assert.Equal(t, "wildcard", pick.StringValue())
}

func TestClientLayerSlashEscaping(t *testing.T) {
	layer := NewClientLayer([]PatternFragment{
		{Pattern: "org/model-1", Fragment: mustFragment(t, `{"body":{"hit":true}}`)},
	})

	assert.NotNil(t, layer.Match("org/model-1"))
	assert.Nil(t, layer.Match("org/model-12"))
	assert.Nil(t, layer.Match("xorg/model-1"))
}

func TestClientLayerMalformedPatternSkipped(t *testing.T) {
	layer := NewClientLayer([]PatternFragment{
		{Pattern: "([unclosed", Fragment: mustFragment(t, `{"body":{"bad":true}}`)},
		{Pattern: "good-model", Fragment: mustFragment(t, `{"body":{"good":true}}`)},
	})

	f := layer.Match("good-model")
	require.NotNil(t, f)
	_, ok := f.Body.Get("good")
	assert.True(t, ok)
}

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "AICHAT_PATCH_OPENAI_CHAT_COMPLETIONS", EnvVarName("openai", ChatCompletions))
	assert.Equal(t, "AICHAT_PATCH_GEMINI_EMBEDDINGS", EnvVarName("gemini", Embeddings))
}

func TestResolveLayersEnvSuppressesClientLayer(t *testing.T) {
	layer := NewClientLayer([]PatternFragment{
		{Pattern: ".*", Fragment: mustFragment(t, `{"body":{"from":"client"}}`)},
	})
	env := map[string]string{
		"AICHAT_PATCH_OPENAI_CHAT_COMPLETIONS": `{"body":{"from":"env"}}`,
	}
	getenv := func(k string) string { return env[k] }

	fragments, err := ResolveLayers("openai", ChatCompletions, "gpt-4o", nil, layer, getenv)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	from, _ := fragments[0].Body.Get("from")
	assert.Equal(t, "env", from.StringValue())
}

func TestResolveLayersMalformedEnvIsError(t *testing.T) {
	getenv := func(k string) string { return "{not json" }
	_, err := ResolveLayers("openai", ChatCompletions, "gpt-4o", nil, nil, getenv)
	assert.Error(t, err)
}

func TestResolveLayersModelPatchAppliedLast(t *testing.T) {
	layer := NewClientLayer([]PatternFragment{
		{Pattern: ".*", Fragment: mustFragment(t, `{"body":{"temperature":0.9}}`)},
	})
	modelPatch := mustFragment(t, `{"body":{"temperature":0.3}}`)

	fragments, err := ResolveLayers("openai", ChatCompletions, "gpt-4o", modelPatch, layer, func(string) string { return "" })
	require.NoError(t, err)
	require.Len(t, fragments, 2)

	s := NewSkeleton("https://api.example.com")
	for _, f := range fragments {
		Apply(s, f)
	}
	temp, _ := s.Body.Get("temperature")
	assert.Equal(t, 0.3, temp.NumberValue())
}
