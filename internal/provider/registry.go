package provider

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry resolves (provider tag, model id) pairs to callable clients.
// The execution core treats it as a read-only lookup; registration
// happens at startup from configuration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

type entry struct {
	client Client
	models map[string]bool
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register builds a client for the configured provider type and adds it
// under its tag.
func (r *Registry) Register(cfg Config) error {
	var client Client
	switch cfg.Type {
	case "anthropic":
		client = NewAnthropicClient(cfg, r.logger)
	case "openai", "openrouter":
		client = NewOpenAIClient(cfg, r.logger)
	default:
		return fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cfg.Tag] = &entry{client: client, models: models}
	r.logger.Info("registered provider",
		zap.String("tag", cfg.Tag),
		zap.String("type", cfg.Type),
		zap.Int("models", len(cfg.Models)))
	return nil
}

// RegisterClient adds a pre-built client, used by tests to inject fakes.
func (r *Registry) RegisterClient(tag string, client Client, models ...string) {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		set[m] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tag] = &entry{client: client, models: set}
}

// Resolve returns the client serving the given model.
func (r *Registry) Resolve(providerTag, modelID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[providerTag]
	if !ok || !e.models[modelID] {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownModel, providerTag, modelID)
	}
	return e.client, nil
}

// HasModel reports whether the pair resolves. Satisfies the topology
// validator's ModelResolver.
func (r *Registry) HasModel(providerTag, modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[providerTag]
	return ok && e.models[modelID]
}
