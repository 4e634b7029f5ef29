package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jglowsoap/jimini/internal/audit"
	"github.com/jglowsoap/jimini/internal/engine"
	"github.com/jglowsoap/jimini/internal/forward"
	"github.com/jglowsoap/jimini/internal/metrics"
	"github.com/jglowsoap/jimini/internal/rules"
)

// Gateway serves the evaluate/metrics/verify/sarif/health surface.
type Gateway struct {
	logger    *slog.Logger
	engine    *engine.Engine
	store     *rules.Store
	forwarder *forward.Forwarder
	metrics   *metrics.Recorder
	auditPath string
	apiKey    string
	version   string
}

// GatewayOptions wires the router's collaborators.
type GatewayOptions struct {
	Engine    *engine.Engine
	Store     *rules.Store
	Forwarder *forward.Forwarder
	Metrics   *metrics.Recorder
	AuditPath string
	APIKey    string
	Version   string
}

// NewGateway builds the HTTP facade over the decision and audit planes.
func NewGateway(logger *slog.Logger, opts GatewayOptions) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:    logger.With(slog.String("subsystem", "gateway")),
		engine:    opts.Engine,
		store:     opts.Store,
		forwarder: opts.Forwarder,
		metrics:   opts.Metrics,
		auditPath: opts.AuditPath,
		apiKey:    opts.APIKey,
		version:   opts.Version,
	}
}

// Handler routes the public API. The Prometheus endpoint is mounted alongside
// the JSON views so both telemetry planes share one listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", g.handleEvaluate)
	mux.HandleFunc("GET /v1/metrics", g.handleMetrics)
	mux.HandleFunc("GET /v1/audit/verify", g.handleVerify)
	mux.HandleFunc("GET /v1/audit/sarif", g.handleSARIF)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", g.metrics.Handler())
	return mux
}

type evaluateRequest struct {
	APIKey    string `json:"api_key"`
	AgentID   string `json:"agent_id"`
	Text      string `json:"text"`
	Direction string `json:"direction"`
	Endpoint  string `json:"endpoint"`
	RequestID string `json:"request_id"`
}

type evaluateResponse struct {
	Action     string   `json:"action"`
	RuleIDs    []string `json:"rule_ids"`
	Message    string   `json:"message"`
	RequestID  string   `json:"request_id"`
	ShadowMode bool     `json:"shadow_mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(g.apiKey)) != 1 {
		g.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	if req.Text == "" {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}
	direction := rules.Direction(req.Direction)
	if direction != rules.DirectionRequest && direction != rules.DirectionResponse {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "direction must be request or response"})
		return
	}

	decision, err := g.engine.Evaluate(r.Context(), engine.Request{
		AgentID:   req.AgentID,
		Text:      req.Text,
		Direction: direction,
		Endpoint:  req.Endpoint,
		RequestID: req.RequestID,
	})
	if err != nil {
		g.logger.Error("evaluation failed", slog.Any("error", err))
		g.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "audit append failed"})
		return
	}

	g.writeJSON(w, http.StatusOK, evaluateResponse{
		Action:     string(decision.Action),
		RuleIDs:    decision.RuleIDs,
		Message:    decision.Message,
		RequestID:  decision.RequestID,
		ShadowMode: decision.ShadowMode,
	})
}

type metricsResponse struct {
	ShadowMode  bool              `json:"shadow_mode"`
	LoadedRules int               `json:"loaded_rules"`
	Totals      map[string]uint64 `json:"totals"`
	ByRule      map[string]uint64 `json:"by_rule"`
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, metricsResponse{
		ShadowMode:  g.engine.ShadowMode(),
		LoadedRules: g.engine.LoadedRules(),
		Totals:      g.metrics.Totals(),
		ByRule:      g.metrics.ByRule(),
	})
}

func (g *Gateway) handleVerify(w http.ResponseWriter, _ *http.Request) {
	result, err := audit.Verify(g.auditPath)
	if err != nil {
		g.logger.Error("audit verification failed", slog.Any("error", err))
		g.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "verification failed"})
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleSARIF(w http.ResponseWriter, _ *http.Request) {
	doc, err := audit.ExportSARIF(g.auditPath)
	if err != nil {
		g.logger.Error("sarif export failed", slog.Any("error", err))
		g.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "sarif export failed"})
		return
	}
	g.writeJSON(w, http.StatusOK, doc)
}

type healthResponse struct {
	Status      string                            `json:"status"`
	Version     string                            `json:"version"`
	LoadedRules int                               `json:"loaded_rules"`
	ShadowMode  bool                              `json:"shadow_mode"`
	RulesError  string                            `json:"rules_error,omitempty"`
	Breakers    map[string]forward.CircuitMetrics `json:"breakers,omitempty"`
	DeadLetter  *forward.DeadLetterStats          `json:"dead_letter,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Version:     g.version,
		LoadedRules: g.engine.LoadedRules(),
		ShadowMode:  g.engine.ShadowMode(),
	}
	if err := g.store.LastError(); err != nil {
		resp.Status = "degraded"
		resp.RulesError = err.Error()
	}
	if g.forwarder != nil {
		resp.Breakers = g.forwarder.BreakerStates()
		stats := g.forwarder.DeadLetterStats()
		resp.DeadLetter = &stats
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("response encoding failed", slog.Any("error", err))
	}
}
