// Command parrot runs the workflow capture and replay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sissississi-013/parrot/pkg/api"
	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/capture"
	"github.com/sissississi-013/parrot/pkg/config"
	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/oracle"
	"github.com/sissississi-013/parrot/pkg/replay"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "parrot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Close()

	metrics := telemetry.NewMetrics()

	store, err := graph.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer store.Close()

	mux := stream.New(cfg.Stream.RetainedEvents, log, metrics)

	reg := session.NewRegistry(session.Config{
		Capacity: cfg.Session.Capacity,
		IdleTTL:  cfg.Session.IdleTTL.Std(),
	}, mux, log, metrics)

	drivers := browserd.NewRemoteFactory(browserd.RemoteConfig{
		Endpoint:         cfg.Driver.Endpoint,
		OperationTimeout: cfg.Driver.OperationTimeout.Std(),
		ConnectTimeout:   cfg.Driver.ConnectTimeout.Std(),
	})

	oracleClient := oracle.NewClient(oracle.ClientConfig{
		BaseURL: cfg.Oracle.BaseURL,
		APIKey:  cfg.Oracle.APIKey,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.Oracle.Timeout.Std(),
	})

	weights := convergence.DefaultWeights()
	if cfg.Convergence.KindWeight > 0 {
		weights.Kind = cfg.Convergence.KindWeight
	}
	if cfg.Convergence.TargetWeight > 0 {
		weights.Target = cfg.Convergence.TargetWeight
	}
	if cfg.Convergence.OrdinalWeight > 0 {
		weights.Ordinal = cfg.Convergence.OrdinalWeight
	}
	if cfg.Convergence.Threshold > 0 {
		weights.Threshold = cfg.Convergence.Threshold
	}
	if cfg.Convergence.GapPenalty > 0 {
		weights.Gap = cfg.Convergence.GapPenalty
	}
	engine := convergence.NewEngine(weights)

	capturePipeline := capture.New(reg, mux, drivers, oracleClient, store, log, metrics, capture.Config{
		CallTimeout:        cfg.Pipeline.CallTimeout.Std(),
		ScreenshotInterval: cfg.Pipeline.ScreenshotInterval.Std(),
		FrameDir:           cfg.FrameDir,
	})
	replayPipeline := replay.New(reg, mux, drivers, oracleClient, store, engine, log, metrics, replay.Config{
		CallTimeout: cfg.Pipeline.CallTimeout.Std(),
		RetryBudget: cfg.Pipeline.RetryBudget,
	})

	server := api.NewServer(api.Config{Listen: cfg.Listen}, reg, mux, capturePipeline, replayPipeline, store, oracleClient, log, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		reg.RunSweeper(groupCtx, cfg.Session.SweepInterval.Std())
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		grace := cfg.Session.ShutdownGrace.Std()
		if grace <= 0 {
			grace = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		reg.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
