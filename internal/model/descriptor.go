// Package model defines the immutable Model Descriptor and the qualified
// model id format used to address one configured model.
package model

import (
	"fmt"
	"strings"

	"aibridge/internal/models"
	"aibridge/internal/patch"
)

// Type classifies what a model does.
type Type string

const (
	TypeChat      Type = "chat"
	TypeEmbedding Type = "embedding"
	TypeReranker  Type = "reranker"
)

// Pricing holds per-million-token unit prices in dollars.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost returns the dollar cost of a completion's token usage.
func (p Pricing) Cost(u models.Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMillion/1e6 +
		float64(u.OutputTokens)*p.OutputPerMillion/1e6
}

// Descriptor is the immutable description of one addressable model:
// identity, capabilities, limits, pricing, default generation parameters,
// and an optional model-level request patch. Constructed once from
// configuration at startup and shared by reference afterwards.
type Descriptor struct {
	ClientType string // adapter family: openai, claude, gemini
	ClientName string // configured client instance name
	Name       string // model name as addressed by callers
	RealName   string // upstream name when it differs from Name

	Type Type

	SupportsVision          bool
	SupportsFunctionCalling bool
	NoStream                bool
	NoSystemMessage         bool

	MaxInputTokens  int
	MaxOutputTokens int

	Pricing *Pricing

	// Default generation parameters, overridable per call.
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	Patch              *patch.Fragment // model-level patch, always applied
	SystemPromptPrefix string
}

// ID returns the qualified id, "<client-instance>:<model-name>".
func (d *Descriptor) ID() string {
	return JoinID(d.ClientName, d.Name)
}

// UpstreamName returns the name sent on the wire: RealName when set,
// otherwise Name.
func (d *Descriptor) UpstreamName() string {
	if d.RealName != "" {
		return d.RealName
	}
	return d.Name
}

// JoinID builds a qualified model id from its parts.
func JoinID(clientName, modelName string) string {
	return clientName + ":" + modelName
}

// SplitID splits a qualified model id into client instance and model
// name. An id without a client prefix resolves against defaultClient.
// Only the first colon separates the parts, so model names may themselves
// contain colons.
func SplitID(id, defaultClient string) (clientName, modelName string, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", fmt.Errorf("model id must not be empty")
	}
	if client, rest, found := strings.Cut(id, ":"); found && client != "" && rest != "" {
		return client, rest, nil
	}
	if defaultClient == "" {
		return "", "", fmt.Errorf("model id %q has no client prefix and no default client is configured", id)
	}
	return defaultClient, strings.TrimPrefix(id, ":"), nil
}
