package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
)

// NewPolicyEnvironment creates a CEL environment for expression rules.
// Variables:
//   - tool: the namespaced tool name
//   - args: the raw tool arguments
//   - agent_role: the proposing agent's role ("" when absent)
//   - orchestrator: the proposing orchestrator ("" when absent)
//   - request_time: when the proposal was received
//
// Custom functions:
//   - glob(pattern, name): filepath-style glob match
//   - arg(args, key): extract an argument value, null when missing
//   - arg_contains(args, substr): any string argument contains substr
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agent_role", cel.StringType),
		cel.Variable("orchestrator", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if m, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := m[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation map from an EvaluationContext.
func BuildActivation(evalCtx policy.EvaluationContext) map[string]any {
	args := evalCtx.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	return map[string]any{
		"tool":         evalCtx.ToolName,
		"args":         args,
		"agent_role":   evalCtx.AgentRole,
		"orchestrator": evalCtx.Orchestrator,
		"request_time": evalCtx.RequestTime,
	}
}
