package rules

import (
	"path"
	"regexp"
	"strings"

	"github.com/jglowsoap/jimini/internal/expr"
)

// Action is the verdict a firing rule contributes to the decision.
type Action string

const (
	ActionBlock Action = "block"
	ActionFlag  Action = "flag"
	ActionAllow Action = "allow"
)

// precedence orders actions so the engine can take the max over a firing set.
var precedence = map[Action]int{
	ActionAllow: 0,
	ActionFlag:  1,
	ActionBlock: 2,
}

// Stricter reports whether a outranks b under block > flag > allow.
func Stricter(a, b Action) bool {
	return precedence[a] > precedence[b]
}

// Severity grades how serious a rule firing is, independent of its action.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Direction identifies which side of the boundary a message crossed.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// ShadowOverride lets a single rule opt out of (or into) the global shadow switch.
type ShadowOverride string

const (
	ShadowEnforce ShadowOverride = "enforce"
	ShadowShadow  ShadowOverride = "shadow"
	ShadowInherit ShadowOverride = "inherit"
)

// Rule is the validated form of one declarative predicate.
type Rule struct {
	ID             string
	Title          string
	Severity       Severity
	Action         Action
	Pattern        string
	MinCount       int
	MaxChars       int
	LLMPrompt      string
	Expr           string
	AppliesTo      []Direction
	Endpoints      []string
	ShadowOverride ShadowOverride
}

// CompiledRule pairs a rule with its pre-built matchers. Compiled rules are
// immutable once a snapshot is published.
type CompiledRule struct {
	Rule

	Regex     *regexp.Regexp
	Program   *expr.Program
	endpoints []endpointMatcher
	anyDir    bool
}

// AppliesToDirection gates the rule on message direction.
func (r *CompiledRule) AppliesToDirection(d Direction) bool {
	if r.anyDir {
		return true
	}
	for _, dir := range r.AppliesTo {
		if dir == d {
			return true
		}
	}
	return false
}

// AppliesToEndpoint gates the rule on the caller endpoint. An empty endpoint
// list means the rule applies everywhere.
func (r *CompiledRule) AppliesToEndpoint(endpoint string) bool {
	if len(r.endpoints) == 0 {
		return true
	}
	for _, m := range r.endpoints {
		if m.matches(endpoint) {
			return true
		}
	}
	return false
}

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchGlob
)

// endpointMatcher interprets one endpoint pattern: exact string, prefix when
// the pattern is "<prefix>*" with no other metacharacters, glob otherwise.
type endpointMatcher struct {
	kind    matchKind
	pattern string
}

func newEndpointMatcher(pattern string) endpointMatcher {
	trimmed := strings.TrimSuffix(pattern, "*")
	switch {
	case strings.HasSuffix(pattern, "*") && !strings.ContainsAny(trimmed, "*?"):
		return endpointMatcher{kind: matchPrefix, pattern: trimmed}
	case strings.ContainsAny(pattern, "*?"):
		return endpointMatcher{kind: matchGlob, pattern: pattern}
	default:
		return endpointMatcher{kind: matchExact, pattern: pattern}
	}
}

func (m endpointMatcher) matches(endpoint string) bool {
	switch m.kind {
	case matchPrefix:
		return strings.HasPrefix(endpoint, m.pattern)
	case matchGlob:
		ok, err := path.Match(m.pattern, endpoint)
		return err == nil && ok
	default:
		return endpoint == m.pattern
	}
}
