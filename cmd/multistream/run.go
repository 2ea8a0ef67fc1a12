package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	multistream "github.com/e7canasta/orion-multistream"
	"github.com/e7canasta/orion-multistream/internal/config"
	"github.com/e7canasta/orion-multistream/internal/control"
	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/emitter"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/logger"
	"github.com/e7canasta/orion-multistream/internal/metrics"
	"github.com/e7canasta/orion-multistream/internal/source"
)

const shutdownTimeout = 10 * time.Second

// loadConfig layers defaults, the config file, environment and flags.
func loadConfig(cmd *cobra.Command, opts options) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	var cfg *config.Config
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if f.Changed("capacity") {
		cfg.Pipeline.Capacity = opts.capacity
	}
	if f.Changed("http-addr") {
		cfg.HTTP.Addr = opts.httpAddr
	}
	if f.Changed("snapshot-dir") {
		cfg.Output.SnapshotDir = opts.snapshotDir
	}
	if f.Changed("sources-file") {
		cfg.SourcesFile = opts.sourcesFile
	}
	if opts.exitWhenIdle {
		cfg.Pipeline.ExitWhenIdle = true
	}
	if f.Changed("dump-dot") {
		cfg.Source.DotDir = opts.dumpDot
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func newEngine(cfg *config.Config) (inference.Engine, error) {
	switch cfg.Inference.Engine {
	case "subprocess":
		// Not bound to the signal context: the engine must outlive the
		// drain that follows a shutdown request.
		return inference.StartSubprocess(context.Background(), cfg.Subprocess())
	default:
		return inference.Null{}, nil
	}
}

func run(cmd *cobra.Command, opts options, args []string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uris, err := source.ExpandURIs(ctx, append(args, cfg.Sources...), source.YouTubeResolver{})
	if err != nil {
		return err
	}
	if len(uris) == 0 && cfg.SourcesFile == "" && cfg.HTTP.Addr == "" {
		return errors.New("no sources: pass URIs, a sources file, or an HTTP address to add them later")
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("multistream: inference engine close failed", "error", err)
		}
	}()

	met := metrics.New()
	ctrlOpts := []controller.Option{controller.WithObserver(met)}

	var mqtt *emitter.MQTT
	if cfg.MQTT.Enabled {
		mqtt = emitter.NewMQTT(cfg.Emitter())
		if err := mqtt.Connect(ctx); err != nil {
			return err
		}
		defer mqtt.Close()
		met.WatchCounter("mqtt_dropped_total", "Detection messages dropped because the publish queue was full.", func() float64 {
			return float64(mqtt.Stats().Dropped)
		})
		met.WatchCounter("mqtt_published_total", "Detection messages published.", func() float64 {
			return float64(mqtt.Stats().Published)
		})
		ctrlOpts = append(ctrlOpts, controller.WithSink(mqtt))
	}

	var snapshots *snapshotSink
	if cfg.Output.SnapshotDir != "" {
		snapshots, err = newSnapshotSink(cfg.Output.SnapshotDir, cfg.Output.JPEGQuality,
			cfg.Output.SnapshotInterval, cfg.Controller().Canvas)
		if err != nil {
			return err
		}
		defer snapshots.Close()
		ctrlOpts = append(ctrlOpts, controller.WithSink(snapshots))
	}

	ctrl, err := controller.New(cfg.Controller(), multistream.NewOpener(cfg.SourceSettings()), engine, ctrlOpts...)
	if err != nil {
		return err
	}

	log.Info("multistream: starting",
		"version", version,
		"capacity", cfg.Pipeline.Capacity,
		"sources", len(uris),
		"engine", cfg.Inference.Engine,
		"http_addr", cfg.HTTP.Addr,
		"mqtt", cfg.MQTT.Enabled,
	)

	auxCtx, cancelAux := context.WithCancel(ctx)
	var wg conc.WaitGroup

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		r := chi.NewRouter()
		r.Use(logger.RequestLogger(log))
		control.NewHandler(ctrl, log).Routes(r, met.Handler(func() { met.SetStreams(ctrl.Streams()) }))
		srv = &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
		wg.Go(func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("multistream: http server error", "error", err)
				stop()
			}
		})
	}

	for _, u := range uris {
		if _, err := ctrl.AddStream(u); err != nil {
			log.Error("multistream: add stream failed", "uri", u, "error", err)
		}
	}

	if cfg.SourcesFile != "" {
		rc := control.NewReconciler(ctrl)
		wg.Go(func() {
			if err := config.WatchSources(auxCtx, cfg.SourcesFile, rc.Apply); err != nil {
				log.Error("multistream: sources watch stopped", "path", cfg.SourcesFile, "error", err)
			}
		})
	}

	rep := &reporter{ctrl: ctrl, emitter: mqtt, snapshots: snapshots, capacity: cfg.Pipeline.Capacity, started: time.Now()}
	if cfg.Output.StatsInterval > 0 {
		wg.Go(func() { rep.reportStats(auxCtx, cfg.Output.StatsInterval) })
	}

	runErr := ctrl.Run(ctx)

	cancelAux()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = multierr.Append(runErr, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	wg.Wait()

	rep.printFinalStats()
	log.Info("multistream: stopped")
	return runErr
}
