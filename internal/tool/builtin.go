package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/agent-mesh/internal/provider"
)

// RegisterBuiltins adds the default tools to a registry.
func RegisterBuiltins(reg *Registry) {
	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "get_current_time",
			Description: "Get the current time in RFC3339 format",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		return fmt.Sprintf(`{"time":"%s"}`, time.Now().UTC().Format(time.RFC3339)), nil
	})

	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "generate_uuid",
			Description: "Generate a random UUID",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		return fmt.Sprintf(`{"uuid":"%s"}`, uuid.New().String()), nil
	})
}
