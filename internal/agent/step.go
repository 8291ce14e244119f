package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/provider"
	"github.com/nidhogg/agent-mesh/internal/tool"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// transient LLM failures back off 1s, 2s, 4s before giving up.
const llmRetries = 3

// upstreamSummaryLimit bounds how much of an upstream output is quoted
// into a downstream prompt.
const upstreamSummaryLimit = 2000

// ClientResolver maps a topology model reference to a callable client.
type ClientResolver interface {
	Resolve(providerTag, modelID string) (provider.Client, error)
}

// Upstream is one completed predecessor's output, summarized into the
// prompt of a downstream node.
type Upstream struct {
	NodeID string
	Name   string
	Output string
}

// StepInput carries everything a single node execution needs besides the
// node itself.
type StepInput struct {
	Task          string
	Parameters    map[string]any
	Upstream      []Upstream
	MaxIterations int
}

// Step executes a single topology node end-to-end: prompt build, LLM
// call, tool loop, transient retry.
type Step struct {
	providers ClientResolver
	tools     *tool.Registry
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewStep creates a node step executor.
func NewStep(providers ClientResolver, tools *tool.Registry, b *bus.Bus, logger *zap.Logger) *Step {
	return &Step{providers: providers, tools: tools, bus: b, logger: logger}
}

// Run executes one node. It returns the node's final output text and the
// number of LLM attempts made (retries included).
func (s *Step) Run(ctx context.Context, executionID string, node topology.Node, in StepInput) (string, int, error) {
	client, err := s.providers.Resolve(node.Agent.Model.Provider, node.Agent.Model.ModelID)
	if err != nil {
		return "", 0, err
	}

	req := &provider.ChatRequest{
		Model: node.Agent.Model.ModelID,
		Messages: []provider.Message{
			{Role: "system", Content: node.Agent.Instructions},
			{Role: "user", Content: buildUserPrompt(in)},
		},
		Temperature: node.Agent.Temperature,
		MaxTokens:   node.Agent.MaxTokens,
	}
	if len(node.Agent.Tools) > 0 {
		req.Tools = s.tools.Definitions(node.Agent.Tools...)
		req.ToolChoice = "auto"
	}

	maxRounds := in.MaxIterations
	if maxRounds <= 0 {
		maxRounds = 1
	}

	attempts := 0
	var resp *provider.ChatResponse
	for round := 0; round < maxRounds; round++ {
		resp, err = s.chat(ctx, executionID, node.ID, client, req, &attempts)
		if err != nil {
			return "", attempts, err
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, err := s.invokeTool(ctx, executionID, node.ID, tc)
			if err != nil {
				return "", attempts, err
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	return resp.Content, attempts, nil
}

// Complete is a single instruction-following call with no tool loop, used
// for supervisor synthesis and structured-output correction.
func (s *Step) Complete(ctx context.Context, executionID string, cfg topology.AgentConfig, system, user string) (string, error) {
	client, err := s.providers.Resolve(cfg.Model.Provider, cfg.Model.ModelID)
	if err != nil {
		return "", err
	}
	req := &provider.ChatRequest{
		Model: cfg.Model.ModelID,
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	attempts := 0
	resp, err := s.chat(ctx, executionID, "", client, req, &attempts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// chat calls the LLM with exponential backoff on transient failures.
// Permanent failures (auth, non-429 4xx, unknown model) fail immediately.
func (s *Step) chat(ctx context.Context, executionID, nodeID string, client provider.Client, req *provider.ChatRequest, attempts *int) (*provider.ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 4 * time.Second
	bo.MaxElapsedTime = 0

	var resp *provider.ChatResponse
	op := func() error {
		*attempts++
		r, err := client.Chat(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		if !provider.IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.publish(ctx, &bus.Event{
			ExecutionID: executionID,
			Type:        bus.EventLLMRetry,
			NodeID:      nodeID,
			Message:     err.Error(),
			Data:        map[string]any{"attempt": *attempts},
		})
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, llmRetries), ctx)); err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	return resp, nil
}

// invokeTool resolves and runs one tool call, publishing a tool_call
// event carrying a hash of the output rather than the raw text.
func (s *Step) invokeTool(ctx context.Context, executionID, nodeID string, tc provider.ToolCall) (string, error) {
	name := tc.Function.Name
	handler, ok := s.tools.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	start := time.Now()
	result, err := handler(ctx, tc.Function.Arguments)
	if err != nil {
		// The model sees tool errors as results and may recover.
		result = fmt.Sprintf(`{"error":%q}`, err.Error())
	}

	s.publish(ctx, &bus.Event{
		ExecutionID: executionID,
		Type:        bus.EventToolCall,
		NodeID:      nodeID,
		Data: map[string]any{
			"tool":        name,
			"input":       tc.Function.Arguments,
			"output_hash": hashText(result),
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return result, nil
}

func (s *Step) publish(ctx context.Context, ev *bus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("execution", ev.ExecutionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func buildUserPrompt(in StepInput) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(in.Task)
	if len(in.Upstream) > 0 {
		b.WriteString("\n\nResults from upstream agents:\n")
		for _, u := range in.Upstream {
			fmt.Fprintf(&b, "[%s]: %s\n", u.Name, truncate(u.Output, upstreamSummaryLimit))
		}
	}
	if len(in.Parameters) > 0 {
		b.WriteString("\nParameters:\n")
		for k, v := range in.Parameters {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	return b.String()
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
