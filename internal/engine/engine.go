package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jglowsoap/jimini/internal/audit"
	"github.com/jglowsoap/jimini/internal/metrics"
	"github.com/jglowsoap/jimini/internal/rules"
)

// Request is one message crossing the boundary, normalized by the API layer.
type Request struct {
	AgentID   string
	Text      string
	Direction rules.Direction
	Endpoint  string
	RequestID string
}

// Decision is what the caller gets back, plus the sealed audit record for
// the forwarder.
type Decision struct {
	Action     rules.Action
	RuleIDs    []string
	Message    string
	RequestID  string
	ShadowMode bool
	RiskScore  int
	RiskBucket string
	Record     audit.Record
}

// Forwarder receives sealed records after the evaluate response path is done
// with them.
type Forwarder interface {
	Enqueue(rec audit.Record)
}

// Engine orchestrates matching, suppression, precedence, shadow resolution,
// and the durable audit append for every evaluation.
type Engine struct {
	logger     *slog.Logger
	store      *rules.Store
	chain      *audit.Chain
	hasher     audit.Hasher
	classifier Classifier
	forwarder  Forwarder
	metrics    *metrics.Recorder
	shadow     bool
}

// Options wires the engine's collaborators. Classifier and Forwarder are
// optional; a nil classifier turns every llm_prompt predicate into
// did-not-fire.
type Options struct {
	Store      *rules.Store
	Chain      *audit.Chain
	Hasher     audit.Hasher
	Classifier Classifier
	Forwarder  Forwarder
	Metrics    *metrics.Recorder
	Shadow     bool
}

// New builds the engine with the configuration captured at startup.
func New(logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger.With(slog.String("subsystem", "engine")),
		store:      opts.Store,
		chain:      opts.Chain,
		hasher:     opts.Hasher,
		classifier: opts.Classifier,
		forwarder:  opts.Forwarder,
		metrics:    opts.Metrics,
		shadow:     opts.Shadow,
	}
}

// ShadowMode reports the global shadow switch for health and metrics views.
func (e *Engine) ShadowMode() bool { return e.shadow }

// LoadedRules reports the size of the snapshot currently in service.
func (e *Engine) LoadedRules() int { return e.store.Current().Len() }

// Evaluate runs the full decision algorithm and durably records the outcome.
// The returned decision is only valid if the audit append succeeded; a failed
// append surfaces as an error and the caller must not report a decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.RequestID == "" {
		req.RequestID = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	snapshot := e.store.Current()
	fired := e.collectFiring(ctx, snapshot, req)
	fired = suppress(fired)

	original := rules.ActionAllow
	for _, rule := range fired {
		if rules.Stricter(rule.Action, original) {
			original = rule.Action
		}
	}

	shadowed := e.resolveShadow(fired)
	reported := original
	if shadowed {
		reported = rules.ActionAllow
	}

	ids := make([]string, 0, len(fired))
	for _, rule := range fired {
		ids = append(ids, rule.ID)
		e.metrics.ObserveRuleFire(req.Endpoint, string(req.Direction), rule.ID, string(rule.Action))
	}
	e.metrics.ObserveDecision(req.Endpoint, string(req.Direction), string(reported))

	score := riskScore(original, fired)
	bucket := riskBucket(score)
	e.metrics.ObserveRisk(bucket)

	excerpt := audit.Excerpt(redact(req.Text, fired))
	record := audit.Record{
		Timestamp:   audit.Timestamp(time.Now()),
		RequestID:   req.RequestID,
		AgentID:     req.AgentID,
		Endpoint:    req.Endpoint,
		Direction:   string(req.Direction),
		Action:      string(original),
		RuleIDs:     ids,
		TextHash:    audit.TextHashFor(req.Text, e.hasher),
		TextExcerpt: excerpt,
	}

	appendStart := time.Now()
	sealed, err := e.chain.Append(record)
	if err != nil {
		return Decision{}, fmt.Errorf("engine: audit append: %w", err)
	}
	e.metrics.ObserveAuditAppend(time.Since(appendStart))

	if e.forwarder != nil {
		e.forwarder.Enqueue(sealed)
	}

	return Decision{
		Action:     reported,
		RuleIDs:    ids,
		Message:    decisionMessage(original, ids),
		RequestID:  req.RequestID,
		ShadowMode: shadowed,
		RiskScore:  score,
		RiskBucket: bucket,
		Record:     sealed,
	}, nil
}

// collectFiring walks the snapshot in lexicographic rule order and keeps
// every rule whose gates pass and whose predicate holds.
func (e *Engine) collectFiring(ctx context.Context, snapshot *rules.Snapshot, req Request) []*rules.CompiledRule {
	var fired []*rules.CompiledRule
	for _, rule := range snapshot.Ordered {
		if !rule.AppliesToDirection(req.Direction) {
			continue
		}
		if !rule.AppliesToEndpoint(req.Endpoint) {
			continue
		}
		if e.predicateHolds(ctx, rule, req) {
			fired = append(fired, rule)
		}
	}
	return fired
}

// predicateHolds evaluates the rule's predicates as a logical OR.
func (e *Engine) predicateHolds(ctx context.Context, rule *rules.CompiledRule, req Request) bool {
	if rule.Regex != nil {
		if len(rule.Regex.FindAllStringIndex(req.Text, -1)) >= rule.MinCount {
			return true
		}
	}
	if rule.MaxChars > 0 && utf8.RuneCountInString(req.Text) > rule.MaxChars {
		return true
	}
	if rule.Program != nil {
		ok, err := rule.Program.EvalBool(map[string]any{
			"text":      req.Text,
			"direction": string(req.Direction),
			"endpoint":  req.Endpoint,
			"agent_id":  req.AgentID,
		})
		if err != nil {
			e.logger.Debug("rule expression failed", slog.String("rule", rule.ID), slog.Any("error", err))
		} else if ok {
			return true
		}
	}
	if rule.LLMPrompt != "" {
		if e.classifier == nil {
			return false
		}
		verdict, err := e.classifier.Classify(ctx, rule.LLMPrompt, req.Text)
		if err != nil {
			e.metrics.ObserveClassifierError()
			e.logger.Warn("classifier error treated as did-not-fire", slog.String("rule", rule.ID), slog.Any("error", err))
			return false
		}
		return verdict
	}
	return false
}

// suppress drops generic API-* rules whenever a secret-specific rule also
// fired: specific secrets outrank catch-alls.
func suppress(fired []*rules.CompiledRule) []*rules.CompiledRule {
	specific := false
	for _, rule := range fired {
		if isSecretSpecific(rule.ID) {
			specific = true
			break
		}
	}
	if !specific {
		return fired
	}
	kept := fired[:0]
	for _, rule := range fired {
		if isGeneric(rule.ID) {
			continue
		}
		kept = append(kept, rule)
	}
	return kept
}

// resolveShadow applies per-rule overrides against the global switch:
// any enforce wins outright, otherwise shadow from the switch or any rule.
func (e *Engine) resolveShadow(fired []*rules.CompiledRule) bool {
	for _, rule := range fired {
		if rule.ShadowOverride == rules.ShadowEnforce {
			return false
		}
	}
	if e.shadow {
		return true
	}
	for _, rule := range fired {
		if rule.ShadowOverride == rules.ShadowShadow {
			return true
		}
	}
	return false
}

func decisionMessage(action rules.Action, ids []string) string {
	switch action {
	case rules.ActionBlock:
		return "blocked by rules: " + strings.Join(ids, ", ")
	case rules.ActionFlag:
		return "flagged by rules: " + strings.Join(ids, ", ")
	default:
		return "allowed"
	}
}
