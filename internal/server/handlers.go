package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hantei-ai/hantei/internal/apierr"
	"github.com/hantei-ai/hantei/internal/auth"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/ops"
	"github.com/hantei-ai/hantei/internal/storage"
	"github.com/hantei-ai/hantei/internal/telemetry"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// adminOps names operations that mutate shared chain/trigger state and
// therefore require model.RoleAdmin, enforced in HandleInvokeTool since the
// Registry itself carries no notion of roles.
var adminOps = map[string]bool{
	"chain.reset":        true,
	"chain.flush":        true,
	"chain.relink":       true,
	"chain.adopt":        true,
	"trigger.upsert":     true,
	"trigger.delete":     true,
	"trigger.enable":     true,
	"trigger.disable":    true,
	"trigger.process":    true,
	"learning.calibrate": true,
	"learning.reset":     true,
}

// Handlers holds every dependency the fixed HTTP surface needs to serve a
// request. Constructed once in cmd/hantei/main.go and wired into the mux by
// New in server.go.
type Handlers struct {
	store     storage.Persistence
	jwtMgr    *auth.JWTManager
	registry  *ops.Registry
	chainMgr  *chain.Manager
	openAPI   []byte
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// NewHandlers constructs a Handlers value. openAPISpec is the raw embedded
// OpenAPI 3.1 document served at GET /openapi.yaml.
func NewHandlers(store storage.Persistence, jwtMgr *auth.JWTManager, registry *ops.Registry, chainMgr *chain.Manager, openAPISpec []byte, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		store:     store,
		jwtMgr:    jwtMgr,
		registry:  registry,
		chainMgr:  chainMgr,
		openAPI:   openAPISpec,
		logger:    logger,
		startedAt: time.Now(),
		version:   version,
	}
}

// HandleHealth serves GET /health: liveness plus the active Persistence
// backend's status and the chain's current head slot.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"

	persistenceStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		persistenceStatus = "unreachable"
		status = "degraded"
		h.logger.Error("health check: persistence ping failed", "error", err)
	}

	caps := h.store.Capabilities()
	var capList []string
	if caps.FullText {
		capList = append(capList, "fulltext")
	}
	if caps.Vector {
		capList = append(capList, "vector")
	}

	var chainHead int64
	if h.chainMgr != nil {
		chainHead = h.chainMgr.Status().HeadSlot
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   status,
		Identity: "hantei",
		Persistence: model.PersistenceHealth{
			Status:       persistenceStatus,
			Backend:      h.store.Backend(),
			Capabilities: capList,
		},
		ChainHead:    chainHead,
		UptimeSecond: int64(time.Since(h.startedAt).Seconds()),
	}, 0)
}

// HandleMetrics serves GET /metrics with the Prometheus exposition format.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	telemetry.MetricsHandler().ServeHTTP(w, r)
}

// HandleOpenAPISpec serves GET /openapi.yaml with the embedded spec.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(h.openAPI)
}

// HandleListTools serves GET /api/tools: every registered operation's name,
// description, and input schema.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.registry.List(), 0)
}

// HandleInvokeTool serves POST /api/tools/{name}: decodes the JSON body as
// the operation's arguments, admin-gates destructive operations, invokes
// the registry, and wraps the result (or error) in the standard envelope.
func (h *Handlers) HandleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if adminOps[name] {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
			writeAPIError(w, r, apierr.New(model.KindInvalidInput, "operation requires admin role"))
			return
		}
	}

	var args map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &args, maxRequestBodyBytes); err != nil {
			writeAPIError(w, r, apierr.InvalidInput("invalid request body: "+err.Error()))
			return
		}
	}

	start := time.Now()
	result, err := h.registry.Invoke(r.Context(), name, args)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		if _, known := h.registry.Describe(name); !known {
			writeAPIError(w, r, apierr.NotFound("unknown operation: "+name))
			return
		}
		writeAPIError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result, duration)
}

// HandleAuthToken serves POST /auth/token: exchanges an agent name and API
// key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
		writeAPIError(w, r, apierr.InvalidInput("invalid request body: "+err.Error()))
		return
	}

	if req.AgentName == "" || req.APIKey == "" {
		writeAPIError(w, r, apierr.InvalidInput("agentName and apiKey are required"))
		return
	}

	agent, err := h.store.GetAgentByName(r.Context(), req.AgentName)
	if err != nil {
		auth.DummyVerify()
		if errors.Is(err, storage.ErrNotFound) {
			writeAPIError(w, r, apierr.New(model.KindInvalidInput, "invalid credentials"))
			return
		}
		writeAPIError(w, r, apierr.Storage(err))
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, agent.APIKeyHash)
	if err != nil || !valid {
		writeAPIError(w, r, apierr.New(model.KindInvalidInput, "invalid credentials"))
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(*agent)
	if err != nil {
		writeAPIError(w, r, apierr.Storage(err))
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp}, 0)
}
