package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/config"
	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/registry"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

var tracer = otel.Tracer("fabrica/http")

type server struct {
	registry *registry.Registry
	dir      *bus.Directory
	router   *bus.Router
	cfg      *config.ReloadableConfig
	logger   *slog.Logger
}

func newServer(reg *registry.Registry, dir *bus.Directory, router *bus.Router, cfg *config.ReloadableConfig, logger *slog.Logger) *server {
	return &server{
		registry: reg,
		dir:      dir,
		router:   router,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/components", s.handleRegister)
	mux.HandleFunc("GET /v1/components/{id}", s.handleGetComponent)
	mux.HandleFunc("GET /v1/components/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/components/{id}/lineage", s.handleLineage)
	mux.HandleFunc("POST /v1/components/{id}/evolve", s.handleEvolve)
	mux.HandleFunc("POST /v1/components/{id}/deprecate", s.handleDeprecate)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/reindex", s.handleReindex)

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregister)
	mux.HandleFunc("GET /v1/discover", s.handleDiscover)
	mux.HandleFunc("POST /v1/route", s.handleRoute)

	return mux
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "registry.register")
	defer span.End()

	var draft registry.Draft
	if !decodeBody(w, r, &draft) {
		return
	}
	component, err := s.registry.Register(ctx, draft)
	if err != nil {
		s.writeError(w, err)
		return
	}
	span.SetAttributes(telemetry.ComponentAttributes(
		component.ID, component.Version, string(component.Kind), string(component.Status))...)
	writeJSON(w, http.StatusCreated, component)
}

func (s *server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, errors.New(errors.CodeInvalidInput, "version must be an integer", err))
			return
		}
		component, err := s.registry.Get(r.Context(), id, v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, component)
		return
	}

	component, err := s.registry.Active(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, component)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.registry.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *server) handleLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.registry.Lineage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "registry.evolve")
	defer span.End()

	var spec registry.EvolveSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	id := r.PathValue("id")
	component, err := s.registry.Evolve(ctx, id, spec)
	span.SetAttributes(telemetry.EvolveAttributes(
		id, spec.ExpectedVersion, string(spec.Strategy), errors.HasCode(err, errors.CodeVersionConflict))...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, component)
}

func (s *server) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.Deprecate(r.Context(), r.PathValue("id"), req.Version); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query       string   `json:"query"`
		TaskContext string   `json:"task_context"`
		TopK        int      `json:"top_k"`
		Alpha       *float64 `json:"alpha"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	alpha := -1.0
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	ctx, span := tracer.Start(r.Context(), "registry.search")
	defer span.End()

	matches, err := s.registry.Search(ctx, req.Query, req.TaskContext, req.TopK, alpha)
	if err != nil {
		s.writeError(w, err)
		return
	}
	span.SetAttributes(telemetry.SearchAttributes(req.Query, req.TopK, len(matches), alpha, false)...)
	writeJSON(w, http.StatusOK, matches)
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	count, err := s.registry.Reindex(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": count})
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string           `json:"agent_id"`
		Capabilities []bus.Capability `json:"capabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, span := tracer.Start(r.Context(), "directory.register_agent")
	defer span.End()

	if err := s.dir.RegisterAgent(ctx, req.AgentID, req.Capabilities); err != nil {
		s.writeError(w, err)
		return
	}
	for _, c := range req.Capabilities {
		span.AddEvent("capability.registered", trace.WithAttributes(
			telemetry.DirectoryAttributes(req.AgentID, c.Name, string(bus.HealthHealthy))...))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Registrations())
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Heartbeat(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Deregister(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := q.Get("q")
	requireHealthy := q.Get("healthy") == "true"
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, errors.New(errors.CodeInvalidInput, "limit must be an integer", err))
			return
		}
		limit = v
	}

	candidates, err := s.dir.Discover(r.Context(), query, requireHealthy, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender           string          `json:"sender"`
		TargetCapability string          `json:"target_capability"`
		Payload          json.RawMessage `json:"payload"`
		CorrelationID    string          `json:"correlation_id"`
		AllowDegraded    bool            `json:"allow_degraded"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Routed invocations always travel the data channel.
	msg := bus.NewMessage(bus.ChannelData, req.Sender, req.TargetCapability, req.Payload)
	msg.CorrelationID = req.CorrelationID

	ctx, span := tracer.Start(r.Context(), "bus.route")
	defer span.End()
	span.SetAttributes(telemetry.MessageAttributes(msg.ID, string(msg.Channel), msg.Sender)...)

	busCfg := s.cfg.Bus()
	policy := bus.Policy{
		MaxAttempts:    busCfg.MaxAttempts,
		InvokeTimeout:  busCfg.InvokeTimeout,
		InitialBackoff: busCfg.InitialBackoff,
		AllowDegraded:  req.AllowDegraded,
	}

	resp, err := s.router.Route(ctx, msg, policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"response": resp})
}

// writeError maps typed error codes to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.CodeInternal

	if fe := errors.AsFabricaError(err); fe != nil {
		code = fe.Code
		switch fe.Code {
		case errors.CodeInvalidInput:
			status = http.StatusBadRequest
		case errors.CodeNotFound:
			status = http.StatusNotFound
		case errors.CodeVersionConflict:
			status = http.StatusConflict
		case errors.CodeNoHealthyProvider, errors.CodeCircuitOpen:
			status = http.StatusServiceUnavailable
		case errors.CodeTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":  string(errors.CodeInvalidInput),
			"error": "invalid JSON body",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
