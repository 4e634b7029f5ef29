package rules

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jglowsoap/jimini/internal/config"
	"github.com/jglowsoap/jimini/internal/expr"
)

// Snapshot is an immutable, atomically-published collection of compiled rules.
// Readers hold a snapshot for the whole of one evaluation.
type Snapshot struct {
	// Ordered lists rules lexicographically by id so evaluation order, and
	// therefore telemetry and audit output, stays deterministic.
	Ordered []*CompiledRule
	byID    map[string]*CompiledRule

	LoadedAt time.Time
	Source   string
}

// Lookup returns the compiled rule for id, if present.
func (s *Snapshot) Lookup(id string) (*CompiledRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len reports how many rules the snapshot serves.
func (s *Snapshot) Len() int { return len(s.Ordered) }

func emptySnapshot(source string) *Snapshot {
	return &Snapshot{byID: map[string]*CompiledRule{}, LoadedAt: time.Now().UTC(), Source: source}
}

// Compile validates and compiles a rule document into a snapshot. Any invalid
// rule rejects the whole document so a half-applied rule set never serves.
func Compile(cfgs []config.RuleConfig, env *expr.Environment) (*Snapshot, error) {
	snap := &Snapshot{
		byID:     make(map[string]*CompiledRule, len(cfgs)),
		LoadedAt: time.Now().UTC(),
	}

	for i, cfg := range cfgs {
		compiled, err := compileRule(cfg, env)
		if err != nil {
			id := cfg.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rules: rule %s: %w", id, err)
		}
		if _, dup := snap.byID[compiled.ID]; dup {
			return nil, fmt.Errorf("rules: duplicate rule id %s", compiled.ID)
		}
		snap.byID[compiled.ID] = compiled
		snap.Ordered = append(snap.Ordered, compiled)
	}

	sort.Slice(snap.Ordered, func(i, j int) bool {
		return snap.Ordered[i].ID < snap.Ordered[j].ID
	})
	return snap, nil
}

func compileRule(cfg config.RuleConfig, env *expr.Environment) (*CompiledRule, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("missing id")
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return nil, fmt.Errorf("missing title")
	}

	severity := Severity(cfg.Severity)
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError:
	default:
		return nil, fmt.Errorf("unknown severity %q", cfg.Severity)
	}

	action := Action(cfg.Action)
	switch action {
	case ActionBlock, ActionFlag, ActionAllow:
	default:
		return nil, fmt.Errorf("unknown action %q", cfg.Action)
	}

	override := ShadowOverride(cfg.ShadowOverride)
	if cfg.ShadowOverride == "" {
		override = ShadowInherit
	}
	switch override {
	case ShadowEnforce, ShadowShadow, ShadowInherit:
	default:
		return nil, fmt.Errorf("unknown shadow_override %q", cfg.ShadowOverride)
	}

	if cfg.Pattern == "" && cfg.MaxChars <= 0 && cfg.LLMPrompt == "" && cfg.Expr == "" {
		return nil, fmt.Errorf("needs at least one of pattern, max_chars, llm_prompt, expr")
	}
	if cfg.MaxChars < 0 {
		return nil, fmt.Errorf("max_chars %d must not be negative", cfg.MaxChars)
	}
	if cfg.MinCount < 0 {
		return nil, fmt.Errorf("min_count %d must not be negative", cfg.MinCount)
	}

	compiled := &CompiledRule{
		Rule: Rule{
			ID:             cfg.ID,
			Title:          cfg.Title,
			Severity:       severity,
			Action:         action,
			Pattern:        cfg.Pattern,
			MinCount:       cfg.MinCount,
			MaxChars:       cfg.MaxChars,
			LLMPrompt:      cfg.LLMPrompt,
			Expr:           cfg.Expr,
			Endpoints:      append([]string(nil), cfg.Endpoints...),
			ShadowOverride: override,
		},
	}

	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		compiled.Regex = re
		if compiled.MinCount == 0 {
			compiled.MinCount = 1
		}
	}

	if cfg.Expr != "" {
		if env == nil {
			return nil, fmt.Errorf("expr predicate requires a CEL environment")
		}
		program, err := env.Compile(cfg.Expr)
		if err != nil {
			return nil, err
		}
		compiled.Program = &program
	}

	for _, dir := range cfg.AppliesTo {
		switch Direction(dir) {
		case DirectionRequest, DirectionResponse:
			compiled.AppliesTo = append(compiled.AppliesTo, Direction(dir))
		case "any":
			compiled.anyDir = true
		default:
			return nil, fmt.Errorf("unknown applies_to value %q", dir)
		}
	}
	if len(cfg.AppliesTo) == 0 {
		compiled.anyDir = true
	}

	for _, pattern := range cfg.Endpoints {
		if pattern == "" {
			return nil, fmt.Errorf("empty endpoint pattern")
		}
		if _, err := path.Match(pattern, "/"); err != nil {
			return nil, fmt.Errorf("invalid endpoint pattern %q: %w", pattern, err)
		}
		compiled.endpoints = append(compiled.endpoints, newEndpointMatcher(pattern))
	}

	return compiled, nil
}
