// Command server is the NL->SQL pipeline's entrypoint: load config, wire
// every component's concrete dependency, and serve (spec §6), in the
// teacher's zap.L().Fatal-on-startup-error style.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/api"
	"github.com/nlsql/pipeline/internal/app"
	"github.com/nlsql/pipeline/internal/catalogdb"
	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/embedclient"
	"github.com/nlsql/pipeline/internal/executor"
	"github.com/nlsql/pipeline/internal/generator"
	"github.com/nlsql/pipeline/internal/llmclient"
	"github.com/nlsql/pipeline/internal/logging"
	"github.com/nlsql/pipeline/internal/pipeline"
	"github.com/nlsql/pipeline/internal/planner"
	"github.com/nlsql/pipeline/internal/promptcompose"
	"github.com/nlsql/pipeline/internal/retriever"
	"github.com/nlsql/pipeline/internal/structural"
	"github.com/nlsql/pipeline/internal/tracehub"
)

func main() {
	basePath := flag.String("config", "", "path to base config (toml)")
	localPath := flag.String("config-local", "", "path to local override config (toml)")
	rebuildEmbeddings := flag.Bool("rebuild-embeddings", false, "run the offline schema-embedding ingestion pass (spec §4.2) and exit")
	targetDBURL := flag.String("target-db", "", "DSN of the database to introspect when rebuilding embeddings (defaults to the catalog's own database_url)")
	flag.Parse()

	cfg, err := config.Load(*basePath, *localPath)
	if err != nil {
		zap.L().Fatal("load config", zap.Error(err))
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	logger := logging.MustNew(cfg.Logging.Level)
	defer logger.Sync()

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal("catalog migration failed", zap.Error(err))
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect catalog pool", zap.Error(err))
	}
	defer pool.Close()

	store := catalogdb.New(pool, logger)

	llmTimeout := time.Duration(cfg.LLM.TimeoutSecs) * time.Second
	llm := llmclient.New(cfg.LLM.BaseURL, cfg.LLM.Model, llmTimeout)
	embedder := embedclient.New(cfg.LLM.BaseURL, cfg.LLM.Model, llmTimeout)

	if *rebuildEmbeddings {
		dsn := *targetDBURL
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		if err := runRebuildEmbeddings(context.Background(), store, embedder, cfg.LLM.Model, dsn, logger); err != nil {
			logger.Fatal("rebuild embeddings failed", zap.Error(err))
		}
		return
	}

	ret := retriever.New(store, embedder, cfg.Retrieval, logger)
	gen := generator.New(llm, promptcompose.SystemPrompt(cfg.LLM))
	sv := structural.New(cfg.Structural)
	pl := planner.New(pool, embedder, store)
	ex := executor.New(pool, cfg.Executor.MaxRowsCap)

	hub := tracehub.NewHub()
	svc := pipeline.New(ret, gen, sv, pl, ex, cfg, logger, hubTracer{hub})

	a := api.New(svc, embedder, llm, hub, cfg, logger)
	srv := app.NewServer(cfg.Server.Port, a.Routes(), logger)

	if err := srv.Run(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// hubTracer adapts tracehub.Hub to pipeline.Tracer, converting between
// the two packages' independently-defined event types so neither package
// has to import the other.
type hubTracer struct {
	hub *tracehub.Hub
}

func (h hubTracer) Publish(ev pipeline.TraceEvent) {
	h.hub.Publish(tracehub.Event{
		QueryID:      ev.QueryID,
		Stage:        ev.Stage,
		AttemptIndex: ev.AttemptIndex,
		Confidence:   ev.Confidence,
		SQL:          ev.SQL,
		Message:      ev.Message,
		Terminal:     ev.Terminal,
	})
}

// runRebuildEmbeddings drives the offline ingestion pass of spec §4.2:
// introspect the target database's live schema into the catalog tables,
// then render and upsert table/column/module embeddings. It is invoked
// by cmd/server -rebuild-embeddings and never runs on the request path.
func runRebuildEmbeddings(ctx context.Context, store *catalogdb.Store, embedder *embedclient.Client, modelID, targetDSN string, logger *zap.Logger) error {
	target, err := pgxpool.New(ctx, targetDSN)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := store.IngestFromTargetDB(ctx, target, nil); err != nil {
		return err
	}
	stats, err := store.RebuildEmbeddings(ctx, embedder, modelID, 768)
	if err != nil {
		return err
	}
	logger.Info("rebuild-embeddings complete",
		zap.Int("tables", stats.Tables), zap.Int("columns", stats.Columns), zap.Int("modules", stats.Modules))
	return nil
}

// runMigrations brings the catalog schema up to date via the goose
// migrations embedded in internal/catalogdb, over a database/sql handle
// on the lib/pq driver (the teacher's dual pgx/lib-pq split: pgx for the
// pipeline's hot path, lib/pq for the one-shot migration handle goose
// expects).
func runMigrations(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return catalogdb.Migrate(db)
}
