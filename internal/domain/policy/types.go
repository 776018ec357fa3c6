// Package policy defines the types consumed by the policy engine:
// evaluation context, rulings, prefix routes, and expression rules.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
)

// EvaluationContext contains everything needed to judge a proposed tool call.
type EvaluationContext struct {
	// ToolName is the (possibly namespaced) name of the tool being invoked.
	ToolName string
	// Args are the RAW tool arguments. Evaluation sees raw values;
	// redaction happens only on the persistence path.
	Args map[string]interface{}
	// AgentRole is the role claimed by the proposing agent, if any.
	AgentRole string
	// Orchestrator is the orchestrator that proposed the call, if any.
	Orchestrator string
	// RequestTime is when the proposal was received.
	RequestTime time.Time
}

// Ruling is the outcome of policy evaluation.
type Ruling struct {
	Verdict decision.Verdict
	Reason  string
	// RiskScore is clamped to [0, 1] by the engine.
	RiskScore float64
	// RuleID identifies the expression rule that matched, empty for
	// builtin and prefix rulings.
	RuleID string
}

// prefixPattern validates registered tool-name prefixes: lowercase
// dotted segments with a trailing dot, e.g. "mcp.github.".
var prefixPattern = regexp.MustCompile(`^([a-z0-9_-]+\.)+$`)

// ValidatePrefix checks that a server prefix is well-formed.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix is empty")
	}
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("prefix %q must be lowercase dotted segments ending with a dot", prefix)
	}
	return nil
}

// PrefixRule maps a registered server prefix to a default verdict and
// base risk for tools namespaced under it.
type PrefixRule struct {
	// Prefix is the namespace, trailing dot included, e.g. "mcp.github.".
	Prefix string
	// Verdict applies to any tool under the prefix that no builtin or
	// expression rule claimed.
	Verdict decision.Verdict
	// RiskScore is the base risk for tools under this prefix.
	RiskScore float64
	// ServerID is the registered server the prefix belongs to.
	ServerID string
}

// MatchesPrefix reports whether the tool name falls under the prefix.
func (r PrefixRule) MatchesPrefix(tool string) bool {
	return strings.HasPrefix(tool, r.Prefix)
}

// LongestPrefix returns the rule with the longest prefix matching tool,
// or false when none match.
func LongestPrefix(rules []PrefixRule, tool string) (PrefixRule, bool) {
	var best PrefixRule
	found := false
	for _, r := range rules {
		if !r.MatchesPrefix(tool) {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best = r
			found = true
		}
	}
	return best, found
}

// Rule is a supplemental expression rule loaded from the rules file.
// Rules are evaluated in priority order between the builtin layer and
// the prefix layer; the first match wins.
type Rule struct {
	ID string `yaml:"id"`
	// ToolMatch is a glob over tool names ("*" matches everything).
	ToolMatch string `yaml:"tool_match"`
	// Condition is a CEL expression over tool, args, and agent_role.
	// Empty means the rule matches on ToolMatch alone.
	Condition string `yaml:"condition"`
	// Verdict must parse to a known verdict; unknown strings collapse
	// to BLOCK at load time.
	Verdict string `yaml:"verdict"`
	Reason  string `yaml:"reason"`
	// RiskScore outside [0, 1] is clamped at evaluation time.
	RiskScore float64 `yaml:"risk_score"`
	Priority  int     `yaml:"priority"`
}
