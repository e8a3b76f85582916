package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/capability"
	"github.com/pitabwire/advflow/internal/config"
	"github.com/pitabwire/advflow/internal/definition"
	"github.com/pitabwire/advflow/internal/idempotency"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/internal/workflow"
)

// Capabilities checked by the handlers.
const (
	CapWorkflowStart  = "workflow:start"
	CapDefinitionView = "workflow:definition:view"
	CapDefinitionEdit = "workflow:definition:edit"
	CapTargetEdit     = "workflow:target:edit"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Workflows    *workflow.Service
	Definitions  *definition.Service
	Behaviors    *behavior.Registry
	Targets      *target.MemoryRepository
	Identity     *capability.Identity
	Idempotency  idempotency.Store
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if cfg.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem func(http.Handler) http.Handler
	if cfg.Idempotency.Enabled {
		idem = Idempotent(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, deps.Metrics, logger)
	} else {
		idem = Idempotent(nil, 0, nil, logger)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/targets/{kind}/{id}", func(r chi.Router) {
			r.Get("/", h.getTarget)
			r.Put("/", h.putTarget)
			r.With(idem).Post("/workflow", h.startWorkflow)
			r.Get("/workflow", h.getWorkflow)
			r.With(idem).Post("/workflow/transitions", h.executeTransition)
			r.Get("/definition", h.getTargetDefinition)
			r.Put("/definition", h.bindTargetDefinition)
		})

		r.Get("/workflows/pending", h.pendingWorkflows)
		r.Route("/workflows/{instanceId}", func(r chi.Router) {
			r.Get("/", h.getInstance)
			r.With(idem).Post("/transitions", h.transitionInstance)
			r.Post("/cancel", h.cancelWorkflow)
			r.Post("/resume", h.resumeWorkflow)
			r.Post("/comments", h.addComment)
			r.Get("/history", h.workflowHistory)
		})

		r.Get("/definitions", h.listDefinitions)
		r.Post("/definitions", h.createDefinition)
		r.Post("/definitions/import", h.importDefinition)
		r.Put("/definitions/order", h.reorderDefinitions)
		r.Route("/definitions/{definitionId}", func(r chi.Router) {
			r.Get("/", h.getDefinition)
			r.Delete("/", h.deleteDefinition)
			r.Get("/export", h.exportDefinition)
			r.Post("/actions", h.addAction)
			r.Put("/actions/order", h.reorderActions)
			r.Put("/actions/{actionId}", h.updateAction)
			r.Delete("/actions/{actionId}", h.removeAction)
			r.Put("/actions/{actionId}/transitions/order", h.reorderTransitions)
			r.Post("/transitions", h.addTransition)
			r.Put("/transitions/{transitionId}", h.updateTransition)
			r.Delete("/transitions/{transitionId}", h.removeTransition)
		})

		r.Get("/behaviors", h.listBehaviors)
	})

	return r
}

// handlers binds the request handlers to their dependencies.
type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}
