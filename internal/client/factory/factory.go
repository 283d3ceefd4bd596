// Package factory constructs configured adapter instances and assembles
// the model registry. The adapter set is closed: each configured client
// type maps onto exactly one adapter family, so a capability gap is
// caught here at construction time rather than on the request path.
package factory

import (
	"fmt"

	"aibridge/internal/client"
	claudeAdapter "aibridge/internal/client/claude"
	geminiAdapter "aibridge/internal/client/gemini"
	openaiAdapter "aibridge/internal/client/openai"
	"aibridge/internal/config"
	"aibridge/internal/model"
)

// BuildRegistry constructs one adapter per configured client instance and
// registers every model it exposes.
func BuildRegistry(cfg config.Config) (*client.Registry, error) {
	entries, err := buildEntries(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := client.NewRegistry(cfg.DefaultClient, entries)
	if err != nil {
		return nil, err
	}
	if err := validateFallbacks(cfg, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildEntries(cfg config.Config) ([]client.Entry, error) {
	var entries []client.Entry
	for _, clientCfg := range cfg.Clients {
		adapter, err := newAdapter(clientCfg)
		if err != nil {
			return nil, fmt.Errorf("initialise client %s: %w", clientCfg.Name, err)
		}
		layers := client.Layers(clientCfg.Patch.Layers())

		for _, modelCfg := range clientCfg.Models {
			descriptor, err := modelCfg.Descriptor(clientCfg.Type, clientCfg.Name)
			if err != nil {
				return nil, fmt.Errorf("client %s: %w", clientCfg.Name, err)
			}
			entries = append(entries, client.Entry{
				Adapter:    adapter,
				Descriptor: descriptor,
				Layers:     layers,
			})
		}
	}
	return entries, nil
}

func newAdapter(cfg config.ClientConfig) (client.Adapter, error) {
	switch cfg.Type {
	case config.ClientTypeOpenAI:
		return openaiAdapter.New(cfg)
	case config.ClientTypeClaude:
		return claudeAdapter.New(cfg)
	case config.ClientTypeGemini:
		return geminiAdapter.New(cfg)
	default:
		return nil, fmt.Errorf("unknown client type %q", cfg.Type)
	}
}

// validateFallbacks rejects fallback chains referencing models that do
// not resolve, so a broken chain surfaces at startup rather than during
// an outage.
func validateFallbacks(cfg config.Config, registry *client.Registry) error {
	for from, targets := range cfg.Fallbacks {
		if _, err := registry.Resolve(from); err != nil {
			return fmt.Errorf("fallback source %q: %w", from, err)
		}
		for _, target := range targets {
			entry, err := registry.Resolve(target)
			if err != nil {
				return fmt.Errorf("fallback for %q: %w", from, err)
			}
			if entry.Descriptor.Type != model.TypeChat {
				return fmt.Errorf("fallback for %q: model %q is not a chat model", from, target)
			}
		}
	}
	return nil
}
