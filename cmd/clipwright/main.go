// Command clipwright runs the API service. It hosts the HTTP surface, seeds
// the bundle catalog, and starts edit workflows on Temporal, degrading to
// the in-process runtime when the durable engine is unreachable. Workflow
// and activity handlers are registered here too, so a single process serves
// small deployments; clipwright-worker adds execution capacity.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/clipwright/clipwright/internal/api"
	"github.com/clipwright/clipwright/internal/bundle"
	"github.com/clipwright/clipwright/internal/callback"
	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/executor"
	"github.com/clipwright/clipwright/internal/knowledge"
	"github.com/clipwright/clipwright/internal/pipeline"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
	"github.com/clipwright/clipwright/internal/pipeline/engine/inmem"
	temporalengine "github.com/clipwright/clipwright/internal/pipeline/engine/temporal"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

func main() {
	cfg := config.Load()

	format := log.FormatJSON
	var opts []log.LogOption
	if cfg.AppEnv == "dev" {
		format = log.FormatTerminal
		opts = append(opts, log.WithDebug())
	}
	opts = append(opts, log.WithFormat(format))
	ctx := log.Context(context.Background(), opts...)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open database"})
	}
	defer st.Close()

	if err := bundle.SeedCatalog(ctx, cfg, st); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "seed bundle catalog"})
	}

	index := knowledge.NewIndex(cfg, st, logger)
	dispatcher := callback.NewDispatcher(cfg, st, logger)
	acts := pipeline.NewActivities(cfg, st, executor.ForMode(cfg, logger), dispatcher, index, logger, metrics)

	var durable engine.Engine
	var durableEngine *temporalengine.Engine
	durableEngine, err = temporalengine.New(temporalengine.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		},
		TaskQueue: cfg.TemporalTaskQueue,
		Logger:    logger,
	})
	if err != nil {
		log.Warnf(ctx, "durable engine unavailable: %v", err)
	} else {
		if err := pipeline.RegisterAll(ctx, durableEngine, acts, cfg.TemporalTaskQueue); err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "register workflow on durable engine"})
		}
		durable = durableEngine
		defer durableEngine.Close()
	}

	fallback := inmem.New()
	if err := pipeline.RegisterAll(ctx, fallback, acts, cfg.TemporalTaskQueue); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "register workflow on fallback engine"})
	}

	orch := pipeline.NewOrchestrator(cfg, st, durable, fallback, dispatcher, logger, metrics)

	server := httpapi.NewServer(cfg, st, orch, index, logger, metrics)
	if durableEngine != nil {
		server.AddReadyCheck("temporal", func(ctx context.Context) error {
			_, err := durableEngine.Client().CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		})
	}

	httpServer := &http.Server{
		Addr:              server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(ctx, "http server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "server exited"})
	}
	log.Printf(ctx, "shutdown complete")
}
