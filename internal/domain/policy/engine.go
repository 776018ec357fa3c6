package policy

import "context"

// Engine evaluates proposed tool calls.
type Engine interface {
	// Evaluate judges a tool call. Deterministic and side-effect free;
	// implementations must not perform I/O on this path.
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Ruling, error)
}
