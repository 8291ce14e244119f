package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/topology"
)

// structuredAttempts bounds the total validation attempts, including the
// first pass over the unmodified output.
const structuredAttempts = 3

// resolveStructured validates the final output against the execution's
// JSON Schema, re-invoking the terminal LLM with a corrective prompt on
// failure. Structured-output failure is recoverable: the caller gets the
// raw text plus the last validation error, never a failed execution.
func (r *Runner) resolveStructured(ctx context.Context, executionID string, g *topology.Graph, schema []byte, candidate string) (structured any, finalRaw string, parseErr string) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, candidate, fmt.Sprintf("invalid output schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", doc); err != nil {
		return nil, candidate, fmt.Sprintf("invalid output schema: %v", err)
	}
	sch, err := compiler.Compile("output.json")
	if err != nil {
		return nil, candidate, fmt.Sprintf("invalid output schema: %v", err)
	}

	cfg := r.terminalAgentConfig(g)
	var lastErr string
	for attempt := 1; attempt <= structuredAttempts; attempt++ {
		val, verr := validateCandidate(sch, candidate)
		if verr == nil {
			return val, candidate, ""
		}
		lastErr = verr.Error()
		if attempt == structuredAttempts {
			break
		}

		corrected, cerr := r.step.Complete(ctx, executionID, cfg,
			correctiveSystem, correctivePrompt(schema, candidate, lastErr))
		if cerr != nil {
			r.logger.Warn("structured output correction failed",
				zap.String("execution", executionID),
				zap.Int("attempt", attempt),
				zap.Error(cerr))
			break
		}
		candidate = strings.TrimSpace(corrected)
	}
	return nil, candidate, lastErr
}

// terminalAgentConfig picks which agent answers corrective prompts: the
// global supervisor when one exists, otherwise the last terminal node.
func (r *Runner) terminalAgentConfig(g *topology.Graph) topology.AgentConfig {
	if gs := g.GlobalSupervisor(); gs >= 0 {
		return g.Nodes[gs].Agent
	}
	terms := g.Terminals()
	return g.Nodes[terms[len(terms)-1]].Agent
}

func validateCandidate(sch *jsonschema.Schema, candidate string) (any, error) {
	val, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := sch.Validate(val); err != nil {
		return nil, err
	}
	return val, nil
}

const correctiveSystem = "You are correcting an answer so it conforms to a JSON Schema. " +
	"Respond with the corrected JSON only, no prose and no code fences."

// correctivePrompt carries the schema and the specific validator error so
// the model can fix the exact defect instead of guessing.
func correctivePrompt(schema []byte, candidate, validationErr string) string {
	var b strings.Builder
	b.WriteString("The previous answer did not validate against the required JSON Schema.\n\n")
	fmt.Fprintf(&b, "Required schema:\n%s\n\n", string(schema))
	fmt.Fprintf(&b, "Previous answer:\n%s\n\n", candidate)
	fmt.Fprintf(&b, "Validation error:\n%s\n\n", validationErr)
	b.WriteString("Return a corrected JSON document that satisfies the schema.")
	return b.String()
}
