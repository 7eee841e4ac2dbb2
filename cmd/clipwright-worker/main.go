// Command clipwright-worker runs a Temporal worker hosting the edit workflow
// and its activities. It shares the database with the API service and waits
// for the Temporal frontend before polling, so it can start ahead of the
// cluster in compose setups.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/clipwright/clipwright/internal/callback"
	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/executor"
	"github.com/clipwright/clipwright/internal/knowledge"
	"github.com/clipwright/clipwright/internal/pipeline"
	temporalengine "github.com/clipwright/clipwright/internal/pipeline/engine/temporal"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

const (
	dialAttempts = 30
	dialInterval = 2 * time.Second
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

	index := knowledge.NewIndex(cfg, st, logger)
	dispatcher := callback.NewDispatcher(cfg, st, logger)
	acts := pipeline.NewActivities(cfg, st, executor.ForMode(cfg, logger), dispatcher, index, logger, metrics)

	eng, err := temporalengine.New(temporalengine.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		},
		TaskQueue: cfg.TemporalTaskQueue,
		Logger:    logger,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create durable engine"})
	}
	defer eng.Close()

	if err := waitForTemporal(ctx, eng.Client()); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "temporal frontend unreachable"})
	}

	if err := pipeline.RegisterAll(ctx, eng, acts, cfg.TemporalTaskQueue); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "register workflow"})
	}

	worker := eng.Worker()
	if err := worker.Start(); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "start workers"})
	}
	log.Printf(ctx, "worker polling queue %s at %s", cfg.TemporalTaskQueue, cfg.TemporalAddress)

	<-ctx.Done()
	worker.Stop()
	log.Printf(ctx, "worker stopped")
}

// waitForTemporal probes the frontend with bounded attempts. The lazy client
// dials on first use, so the probe doubles as the connection attempt.
func waitForTemporal(ctx context.Context, cli client.Client) error {
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := cli.CheckHealth(checkCtx, &client.CheckHealthRequest{})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debugf(ctx, "temporal not ready (attempt %d/%d): %v", i+1, dialAttempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dialInterval):
		}
	}
	return lastErr
}
