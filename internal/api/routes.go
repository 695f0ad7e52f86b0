// Package api exposes the pipeline over HTTP: the RPC surface of spec §6
// on a chi.Router, grounded on the teacher's routes.go/middleware.go
// layout (a websocket route registered ahead of the logging-middleware
// group, then a POST/GET RPC group).
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/embedclient"
	"github.com/nlsql/pipeline/internal/llmclient"
	"github.com/nlsql/pipeline/internal/pipeline"
	"github.com/nlsql/pipeline/internal/tracehub"
)

// API holds every handler's shared, constructor-injected dependencies.
type API struct {
	pipeline *pipeline.Service
	embedder *embedclient.Client
	llm      *llmclient.Client
	hub      *tracehub.Hub
	cfg      *config.Config
	logger   *zap.Logger
}

func New(svc *pipeline.Service, embedder *embedclient.Client, llm *llmclient.Client, hub *tracehub.Hub, cfg *config.Config, logger *zap.Logger) *API {
	return &API{pipeline: svc, embedder: embedder, llm: llm, hub: hub, cfg: cfg, logger: logger}
}

// Routes builds the router. /v1/trace/{query_id} is registered outside
// the logging group since it upgrades to a websocket and has its own
// connection-scoped logging.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/trace/{query_id}", a.handleTrace)

	r.Group(func(r chi.Router) {
		r.Use(LoggingMiddleware(a.logger))
		r.Post("/v1/generate", a.handleGenerate)
		r.Post("/v1/generate_and_run", a.handleGenerateAndRun)
		r.Post("/v1/embed", a.handleEmbed)
		r.Post("/v1/embed_batch", a.handleEmbedBatch)
		r.Post("/v1/repair_sql", a.handleRepairSQL)
		r.Post("/v1/invalidate_cache", a.handleInvalidateCache)
		r.Get("/v1/health", a.handleHealth)
	})

	return r
}
