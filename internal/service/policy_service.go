// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	celeval "github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
)

// DefaultSandboxRoot is the directory subtree builtin fs tools may touch.
const DefaultSandboxRoot = "/sandbox"

// defaultBlockedFiles are filename entries fs.read_file may never
// touch, sandboxed or not. Matched against the base name, by equality
// or suffix.
var defaultBlockedFiles = []string{".env", ".key", ".pem"}

// CompiledRule is a pre-compiled expression rule ready for evaluation.
type CompiledRule struct {
	ID        string
	Priority  int
	ToolMatch string
	// Program is nil when the rule has no condition and matches on
	// ToolMatch alone.
	Program   cel.Program
	Verdict   decision.Verdict
	Reason    string
	RiskScore float64
}

// rulesSnapshot is the immutable rule state stored in atomic.Value.
// Swapped wholesale on reload and on registry sync.
type rulesSnapshot struct {
	Rules    []CompiledRule
	Prefixes []policy.PrefixRule
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key    uint64
	ruling policy.Ruling
	prev   *lruEntry
	next   *lruEntry
}

// ResultCache provides bounded LRU caching for evaluation results.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached ruling. On hit, the entry is promoted to the
// head (most recently used).
func (c *ResultCache) Get(key uint64) (policy.Ruling, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.ruling, true
	}
	return policy.Ruling{}, false
}

// Put stores a ruling. At capacity, the least recently used entry is evicted.
func (c *ResultCache) Put(key uint64, ruling policy.Ruling) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.ruling = ruling
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, ruling: ruling}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on rule reload and registry sync.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey generates a hash of the evaluation inputs.
// Args are serialized as JSON for determinism within a process.
func computeCacheKey(toolName, agentRole string, args map[string]interface{}) uint64 {
	h := xxhash.New()

	_, _ = h.WriteString(toolName)
	_, _ = h.Write([]byte{0}) // separator
	_, _ = h.WriteString(agentRole)
	_, _ = h.Write([]byte{0})

	if len(args) > 0 {
		argsJSON, _ := json.Marshal(args)
		_, _ = h.Write(argsJSON)
	}

	return h.Sum64()
}

// PolicyService implements policy.Engine. Evaluation is layered:
// builtin fs rules first, then expression rules in priority order, then
// registered prefix routes, and finally a default BLOCK for unknown
// tools. Uses atomic.Value for lock-free snapshot reads on the hot path.
type PolicyService struct {
	evaluator    *celeval.Evaluator
	snapshot     atomic.Value // stores *rulesSnapshot
	mu           sync.Mutex   // serializes snapshot writers
	cache        *ResultCache
	sandboxRoot  string
	blockedFiles []string
	logger       *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached rulings.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// WithSandboxRoot overrides the directory subtree builtin fs tools may touch.
func WithSandboxRoot(root string) PolicyServiceOption {
	return func(s *PolicyService) {
		s.sandboxRoot = root
	}
}

// WithBlockedFiles overrides the secret-file name set for fs.read_file.
// An empty list keeps the defaults.
func WithBlockedFiles(names []string) PolicyServiceOption {
	return func(s *PolicyService) {
		if len(names) == 0 {
			return
		}
		cleaned := make([]string, 0, len(names))
		for _, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if n != "" {
				cleaned = append(cleaned, n)
			}
		}
		if len(cleaned) > 0 {
			s.blockedFiles = cleaned
		}
	}
}

// NewPolicyService creates a PolicyService with the given expression rules
// compiled. Rules with invalid expressions fail construction.
func NewPolicyService(rules []policy.Rule, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &PolicyService{
		evaluator:    evaluator,
		cache:        NewResultCache(1000),
		sandboxRoot:  DefaultSandboxRoot,
		blockedFiles: defaultBlockedFiles,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	compiled, err := s.compileRules(rules)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(&rulesSnapshot{Rules: compiled})

	logger.Info("policy service initialized",
		"rules_compiled", len(compiled),
		"sandbox_root", s.sandboxRoot,
		"cache_max_size", s.cache.maxSize,
	)

	return s, nil
}

// compileRules validates and compiles expression rules, sorted by
// priority descending.
func (s *PolicyService) compileRules(rules []policy.Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))

	for _, rule := range rules {
		var prg cel.Program
		if rule.Condition != "" {
			if err := s.evaluator.ValidateExpression(rule.Condition); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
			}
			var err error
			prg, err = s.evaluator.Compile(rule.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
			}
		}

		toolMatch := rule.ToolMatch
		if toolMatch == "" {
			toolMatch = "*"
		}

		compiled = append(compiled, CompiledRule{
			ID:        rule.ID,
			Priority:  rule.Priority,
			ToolMatch: toolMatch,
			Program:   prg,
			Verdict:   decision.ParseVerdict(rule.Verdict),
			Reason:    rule.Reason,
			RiskScore: decision.ClampRisk(rule.RiskScore),
		})
	}

	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	return compiled, nil
}

// loadSnapshot returns the current snapshot atomically (lock-free).
func (s *PolicyService) loadSnapshot() *rulesSnapshot {
	return s.snapshot.Load().(*rulesSnapshot)
}

// Evaluate judges a tool call. First the builtin fs rules, then the
// expression rules in priority order, then the registered prefixes;
// tools nothing claims are blocked.
func (s *PolicyService) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Ruling, error) {
	cacheKey := computeCacheKey(evalCtx.ToolName, evalCtx.AgentRole, evalCtx.Args)

	if ruling, ok := s.cache.Get(cacheKey); ok {
		return ruling, nil
	}

	snapshot := s.loadSnapshot()

	ruling, matched, err := s.evaluateLayers(snapshot, evalCtx)
	if err != nil {
		return policy.Ruling{}, err
	}
	if !matched {
		ruling = policy.Ruling{
			Verdict:   decision.VerdictBlock,
			Reason:    "Unknown tool",
			RiskScore: 1.0,
		}
	}
	ruling.RiskScore = decision.ClampRisk(ruling.RiskScore)

	s.cache.Put(cacheKey, ruling)
	return ruling, nil
}

// evaluateLayers runs the builtin, expression, and prefix layers in order.
func (s *PolicyService) evaluateLayers(snapshot *rulesSnapshot, evalCtx policy.EvaluationContext) (policy.Ruling, bool, error) {
	if ruling, ok := s.evaluateBuiltin(evalCtx); ok {
		return ruling, true, nil
	}

	for _, rule := range snapshot.Rules {
		if rule.ToolMatch != "*" {
			matched, err := filepath.Match(rule.ToolMatch, evalCtx.ToolName)
			if err != nil {
				s.logger.Warn("invalid glob pattern", "rule", rule.ID, "pattern", rule.ToolMatch, "error", err)
				continue
			}
			if !matched {
				continue
			}
		}

		if rule.Program != nil {
			result, err := s.evaluator.Evaluate(rule.Program, evalCtx)
			if err != nil {
				return policy.Ruling{}, false, fmt.Errorf("rule %s evaluation failed: %w", rule.ID, err)
			}
			if !result {
				continue
			}
		}

		return policy.Ruling{
			Verdict:   rule.Verdict,
			Reason:    rule.Reason,
			RiskScore: rule.RiskScore,
			RuleID:    rule.ID,
		}, true, nil
	}

	if pr, ok := policy.LongestPrefix(snapshot.Prefixes, evalCtx.ToolName); ok {
		return policy.Ruling{
			Verdict:   pr.Verdict,
			Reason:    fmt.Sprintf("Routed by registered prefix %s", pr.Prefix),
			RiskScore: pr.RiskScore,
		}, true, nil
	}

	return policy.Ruling{}, false, nil
}

// evaluateBuiltin applies the fixed filesystem rules.
func (s *PolicyService) evaluateBuiltin(evalCtx policy.EvaluationContext) (policy.Ruling, bool) {
	switch evalCtx.ToolName {
	case "fs.list_dir":
		return policy.Ruling{
			Verdict:   decision.VerdictAllow,
			Reason:    "Read-only listing is low risk",
			RiskScore: 0.1,
		}, true
	case "fs.read_file":
		// The secret-file check runs before the sandbox allow: a
		// credential file inside the sandbox is still off limits.
		if path, _ := evalCtx.Args["path"].(string); s.blockedFile(path) {
			return policy.Ruling{
				Verdict:   decision.VerdictBlock,
				Reason:    "Access to secret file denied",
				RiskScore: 1.0,
			}, true
		}
		if s.underSandbox(evalCtx.Args) {
			return policy.Ruling{
				Verdict:   decision.VerdictAllow,
				Reason:    "Read within sandbox",
				RiskScore: 0.2,
			}, true
		}
		return policy.Ruling{
			Verdict:   decision.VerdictBlock,
			Reason:    fmt.Sprintf("path must be under %s", s.sandboxRoot),
			RiskScore: 0.8,
		}, true
	case "fs.write_file":
		if s.underSandbox(evalCtx.Args) {
			return policy.Ruling{
				Verdict:   decision.VerdictApprovalRequired,
				Reason:    "Write requires human approval",
				RiskScore: 0.6,
			}, true
		}
		return policy.Ruling{
			Verdict:   decision.VerdictBlock,
			Reason:    fmt.Sprintf("path must be under %s", s.sandboxRoot),
			RiskScore: 0.9,
		}, true
	}
	return policy.Ruling{}, false
}

// blockedFile reports whether the path names a secret file: the base
// name equals or ends in one of the blocked entries.
func (s *PolicyService) blockedFile(path string) bool {
	if path == "" {
		return false
	}
	base := strings.ToLower(filepath.Base(path))
	for _, entry := range s.blockedFiles {
		if base == entry || strings.HasSuffix(base, entry) {
			return true
		}
	}
	return false
}

// underSandbox reports whether the "path" argument stays inside the
// sandbox root.
func (s *PolicyService) underSandbox(args map[string]interface{}) bool {
	path, _ := args["path"].(string)
	if path == "" {
		return false
	}
	return strings.HasPrefix(path, s.sandboxRoot)
}

// Reload replaces the expression rules, keeping the current prefixes.
// Thread-safe and callable concurrently with Evaluate.
func (s *PolicyService) Reload(rules []policy.Rule) error {
	compiled, err := s.compileRules(rules)
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	s.mu.Lock()
	prev := s.loadSnapshot()
	s.snapshot.Store(&rulesSnapshot{Rules: compiled, Prefixes: prev.Prefixes})
	s.mu.Unlock()

	s.cache.Clear()

	s.logger.Info("policy rules reloaded", "rules_compiled", len(compiled))
	return nil
}

// SetPrefixRules replaces the registered prefix routes. Called by the
// registry service after registration and sync.
func (s *PolicyService) SetPrefixRules(prefixes []policy.PrefixRule) {
	s.mu.Lock()
	prev := s.loadSnapshot()
	s.snapshot.Store(&rulesSnapshot{Rules: prev.Rules, Prefixes: prefixes})
	s.mu.Unlock()

	s.cache.Clear()

	s.logger.Debug("prefix rules updated", "count", len(prefixes))
}

// rulesFile is the YAML shape of the expression rules file.
type rulesFile struct {
	Rules []policy.Rule `yaml:"rules"`
}

// LoadRulesFile reads expression rules from a YAML file. A missing path
// yields no rules; the builtin and prefix layers still apply.
func LoadRulesFile(path string) ([]policy.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return f.Rules, nil
}

// Compile-time check that PolicyService implements the engine port.
var _ policy.Engine = (*PolicyService)(nil)
