package patch

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKind identifies which outbound API family a patch layer applies to.
type APIKind string

const (
	ChatCompletions APIKind = "chat_completions"
	Embeddings      APIKind = "embeddings"
	Rerank          APIKind = "rerank"
)

// Fragment is a partial request reshaping: an optional replacement URL, a
// body tree to deep-merge, and header edits. A null header value removes
// the header; a null body value deletes the key it sits at.
type Fragment struct {
	URL     string
	Body    *Value // mapping, or nil
	Headers *Value // mapping of string or null values, or nil
}

// ParseFragmentJSON decodes a {url, body, headers} JSON object, the shape
// carried by AICHAT_PATCH_* environment variables.
func ParseFragmentJSON(data []byte) (*Fragment, error) {
	root, err := ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse patch JSON: %w", err)
	}
	if root.Kind() != KindMapping {
		return nil, fmt.Errorf("patch value must be a JSON object")
	}
	return fragmentFromValue(root)
}

// FragmentFromYAML decodes a {url, body, headers} mapping from a YAML
// configuration node, preserving body key order.
func FragmentFromYAML(node *yaml.Node) (*Fragment, error) {
	root, err := FromYAML(node)
	if err != nil {
		return nil, err
	}
	if root == nil || root.IsNull() {
		return nil, nil
	}
	if root.Kind() != KindMapping {
		return nil, fmt.Errorf("patch value must be a mapping (line %d)", node.Line)
	}
	return fragmentFromValue(root)
}

func fragmentFromValue(root *Value) (*Fragment, error) {
	f := &Fragment{}
	for _, key := range root.Keys() {
		val, _ := root.Get(key)
		switch key {
		case "url":
			if val.Kind() != KindString {
				return nil, fmt.Errorf("patch url must be a string")
			}
			f.URL = val.StringValue()
		case "body":
			if val.Kind() != KindMapping {
				return nil, fmt.Errorf("patch body must be an object")
			}
			f.Body = val
		case "headers":
			if val.Kind() != KindMapping {
				return nil, fmt.Errorf("patch headers must be an object")
			}
			f.Headers = val
		default:
			return nil, fmt.Errorf("unknown patch key %q", key)
		}
	}
	return f, nil
}

// Apply deep-merges the fragment into the skeleton in place. A fragment
// URL replaces the skeleton URL wholesale. Body mappings merge
// recursively; null deletes the key; sequences and scalars overwrite.
// Header string values set the header, null removes it.
func Apply(s *RequestSkeleton, f *Fragment) {
	if f == nil {
		return
	}
	if f.URL != "" {
		s.URL = f.URL
	}
	if f.Body != nil {
		if s.Body == nil || s.Body.Kind() != KindMapping {
			s.Body = Mapping()
		}
		mergeMapping(s.Body, f.Body)
	}
	if f.Headers != nil {
		for _, name := range f.Headers.Keys() {
			val, _ := f.Headers.Get(name)
			switch {
			case val.IsNull():
				s.Headers.Del(name)
			case val.Kind() == KindString:
				s.Headers.Set(name, val.StringValue())
			}
		}
	}
}

func mergeMapping(dst, src *Value) {
	for _, key := range src.Keys() {
		srcVal, _ := src.Get(key)
		if srcVal.IsNull() {
			dst.Delete(key)
			continue
		}
		dstVal, exists := dst.Get(key)
		if exists && srcVal.Kind() == KindMapping && dstVal != nil && dstVal.Kind() == KindMapping {
			mergeMapping(dstVal, srcVal)
			continue
		}
		dst.Set(key, srcVal.Clone())
	}
}

// PatternFragment pairs a model-name pattern with the fragment applied
// when the pattern matches.
type PatternFragment struct {
	Pattern  string
	Fragment *Fragment
}

// ClientLayer is a client-level patch layer for one API kind: an ordered
// list of model-name patterns. The first matching pattern wins; later
// patterns are never consulted.
type ClientLayer struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	re       *regexp.Regexp // nil when the source pattern failed to compile
	fragment *Fragment
}

// NewClientLayer compiles the given patterns in order. Each pattern is
// anchored as ^(pattern)$ after escaping forward slashes, so namespaced
// model ids such as "org/model" do not break the pattern syntax. A
// pattern that fails to compile is kept as permanently non-matching
// rather than rejecting the whole layer.
func NewClientLayer(patterns []PatternFragment) *ClientLayer {
	layer := &ClientLayer{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		escaped := strings.ReplaceAll(p.Pattern, "/", `\/`)
		re, err := regexp.Compile("^(" + escaped + ")$")
		if err != nil {
			re = nil
		}
		layer.patterns = append(layer.patterns, compiledPattern{re: re, fragment: p.Fragment})
	}
	return layer
}

// Match returns the fragment of the first pattern matching the model
// name, or nil when none match.
func (l *ClientLayer) Match(modelName string) *Fragment {
	if l == nil {
		return nil
	}
	for _, p := range l.patterns {
		if p.re == nil {
			continue
		}
		if p.re.MatchString(modelName) {
			return p.fragment
		}
	}
	return nil
}

// EnvVarName returns the environment variable consulted for a client
// type and API kind, e.g. ("openai", ChatCompletions) ->
// AICHAT_PATCH_OPENAI_CHAT_COMPLETIONS.
func EnvVarName(clientType string, kind APIKind) string {
	normalize := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	}
	return "AICHAT_PATCH_" + normalize(clientType) + "_" + normalize(string(kind))
}

// ResolveLayers returns the patch fragments for one request in
// application order. The environment variable, when set, fully replaces
// the client-level layer for this client type and API kind; the two are
// never merged. The model-level patch is appended last so it overrides
// whichever of the two was chosen. A set but malformed environment value
// is a configuration error, never silently ignored.
func ResolveLayers(clientType string, kind APIKind, modelName string, modelPatch *Fragment, layer *ClientLayer, getenv func(string) string) ([]*Fragment, error) {
	var out []*Fragment
	if raw := getenv(EnvVarName(clientType, kind)); raw != "" {
		f, err := ParseFragmentJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvVarName(clientType, kind), err)
		}
		out = append(out, f)
	} else if f := layer.Match(modelName); f != nil {
		out = append(out, f)
	}
	if modelPatch != nil {
		out = append(out, modelPatch)
	}
	return out, nil
}
