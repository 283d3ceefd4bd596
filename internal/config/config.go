// Package config loads and validates the YAML configuration: the HTTP
// listener, client instances with their models and patch layers, and the
// retry/fallback policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aibridge/internal/model"
	"aibridge/internal/patch"
)

// Client types form a closed set: each maps to one adapter family.
const (
	ClientTypeOpenAI = "openai"
	ClientTypeClaude = "claude"
	ClientTypeGemini = "gemini"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	DefaultClient string              `yaml:"default_client"`
	Clients       []ClientConfig      `yaml:"clients"`
	Retry         RetryConfig         `yaml:"retry"`
	Fallbacks     map[string][]string `yaml:"fallbacks"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RetryConfig bounds the orchestrator's retry and backoff behaviour.
// Zero fields take the defaults applied by Load.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// Duration is a time.Duration that decodes from YAML strings like "500ms".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClientConfig captures one configured client instance: credentials,
// routing, patch layers and the models it exposes.
type ClientConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	Patch   PatchConfig       `yaml:"patch"`
	Models  []ModelConfig     `yaml:"models"`
}

// PatchConfig holds the client-level patch layers, one per API kind.
type PatchConfig struct {
	ChatCompletions PatternFragments `yaml:"chat_completions"`
	Embeddings      PatternFragments `yaml:"embeddings"`
	Rerank          PatternFragments `yaml:"rerank"`
}

// Layers compiles the configured patch layers.
func (p PatchConfig) Layers() map[patch.APIKind]*patch.ClientLayer {
	layers := make(map[patch.APIKind]*patch.ClientLayer)
	if len(p.ChatCompletions) > 0 {
		layers[patch.ChatCompletions] = patch.NewClientLayer(p.ChatCompletions)
	}
	if len(p.Embeddings) > 0 {
		layers[patch.Embeddings] = patch.NewClientLayer(p.Embeddings)
	}
	if len(p.Rerank) > 0 {
		layers[patch.Rerank] = patch.NewClientLayer(p.Rerank)
	}
	return layers
}

// PatternFragments is an ordered list of (model-name pattern, fragment)
// pairs. YAML mappings lose ordering when decoded into Go maps, so the
// decoder walks the raw node to keep the configured pattern order, which
// determines first-match precedence.
type PatternFragments []patch.PatternFragment

// UnmarshalYAML decodes a mapping of pattern -> {url, body, headers}.
func (p *PatternFragments) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("patch layer must be a mapping of pattern to fragment (line %d)", node.Line)
	}
	out := make(PatternFragments, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pattern := node.Content[i].Value
		fragment, err := patch.FragmentFromYAML(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("patch fragment for pattern %q: %w", pattern, err)
		}
		out = append(out, patch.PatternFragment{Pattern: pattern, Fragment: fragment})
	}
	*p = out
	return nil
}

// ModelConfig describes one model exposed by a client instance.
type ModelConfig struct {
	Name     string `yaml:"name"`
	RealName string `yaml:"real_name"`
	Type     string `yaml:"type"`

	SupportsVision          bool `yaml:"supports_vision"`
	SupportsFunctionCalling bool `yaml:"supports_function_calling"`
	NoStream                bool `yaml:"no_stream"`
	NoSystemMessage         bool `yaml:"no_system_message"`

	MaxInputTokens  int `yaml:"max_input_tokens"`
	MaxOutputTokens int `yaml:"max_output_tokens"`

	InputPrice  *float64 `yaml:"input_price"`
	OutputPrice *float64 `yaml:"output_price"`

	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`

	SystemPromptPrefix string     `yaml:"system_prompt_prefix"`
	Patch              *yaml.Node `yaml:"patch"`
}

// Descriptor converts the model configuration into an immutable
// descriptor owned by the given client instance.
func (m ModelConfig) Descriptor(clientType, clientName string) (*model.Descriptor, error) {
	modelType := model.Type(m.Type)
	if m.Type == "" {
		modelType = model.TypeChat
	}
	switch modelType {
	case model.TypeChat, model.TypeEmbedding, model.TypeReranker:
	default:
		return nil, fmt.Errorf("model %s: type %q must be one of chat, embedding, reranker", m.Name, m.Type)
	}

	var fragment *patch.Fragment
	if m.Patch != nil {
		var err error
		fragment, err = patch.FragmentFromYAML(m.Patch)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
	}

	var pricing *model.Pricing
	if m.InputPrice != nil || m.OutputPrice != nil {
		pricing = &model.Pricing{}
		if m.InputPrice != nil {
			pricing.InputPerMillion = *m.InputPrice
		}
		if m.OutputPrice != nil {
			pricing.OutputPerMillion = *m.OutputPrice
		}
	}

	return &model.Descriptor{
		ClientType:              clientType,
		ClientName:              clientName,
		Name:                    m.Name,
		RealName:                m.RealName,
		Type:                    modelType,
		SupportsVision:          m.SupportsVision,
		SupportsFunctionCalling: m.SupportsFunctionCalling,
		NoStream:                m.NoStream,
		NoSystemMessage:         m.NoSystemMessage,
		MaxInputTokens:          m.MaxInputTokens,
		MaxOutputTokens:         m.MaxOutputTokens,
		Pricing:                 pricing,
		Temperature:             m.Temperature,
		TopP:                    m.TopP,
		MaxTokens:               m.MaxTokens,
		Patch:                   fragment,
		SystemPromptPrefix:      m.SystemPromptPrefix,
	}, nil
}

// Load reads YAML configuration from disk, applies defaults and
// validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 2
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = Duration(10 * time.Second)
	}
	if c.Retry.AttemptTimeout == 0 {
		c.Retry.AttemptTimeout = Duration(2 * time.Minute)
	}
	if c.DefaultClient == "" && len(c.Clients) > 0 {
		c.DefaultClient = c.Clients[0].Name
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if len(c.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured")
	}

	clientNames := make(map[string]struct{}, len(c.Clients))
	modelIDs := make(map[string]struct{})

	for _, client := range c.Clients {
		if err := validateClient(client); err != nil {
			return err
		}
		if _, exists := clientNames[client.Name]; exists {
			return fmt.Errorf("client name %q used twice", client.Name)
		}
		clientNames[client.Name] = struct{}{}

		for _, m := range client.Models {
			id := model.JoinID(client.Name, m.Name)
			if _, exists := modelIDs[id]; exists {
				return fmt.Errorf("model %q configured twice", id)
			}
			modelIDs[id] = struct{}{}
		}
	}

	if _, ok := clientNames[c.DefaultClient]; !ok {
		return fmt.Errorf("default_client %q does not name a configured client", c.DefaultClient)
	}

	for from, targets := range c.Fallbacks {
		for _, target := range targets {
			if strings.TrimSpace(target) == "" {
				return fmt.Errorf("fallback for %q contains an empty model id", from)
			}
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}

	return nil
}

func validateClient(client ClientConfig) error {
	if strings.TrimSpace(client.Name) == "" {
		return fmt.Errorf("client name must not be empty")
	}
	switch client.Type {
	case ClientTypeOpenAI, ClientTypeClaude, ClientTypeGemini:
	default:
		return fmt.Errorf("client %s: type %q must be one of %q, %q, %q",
			client.Name, client.Type, ClientTypeOpenAI, ClientTypeClaude, ClientTypeGemini)
	}
	if strings.TrimSpace(client.BaseURL) == "" {
		return fmt.Errorf("client %s: base_url must be provided", client.Name)
	}
	if client.Type != ClientTypeOpenAI && strings.TrimSpace(client.APIKey) == "" {
		// OpenAI-compatible local backends often need no key.
		return fmt.Errorf("client %s: api_key must be provided", client.Name)
	}
	if len(client.Models) == 0 {
		return fmt.Errorf("client %s: at least one model must be configured", client.Name)
	}
	for _, m := range client.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("client %s: model name must not be empty", client.Name)
		}
	}
	for headerKey := range client.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("client %s: header %q is not a valid HTTP header name", client.Name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}
	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
