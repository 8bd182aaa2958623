package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-bots/internal/api"
	"trading-bots/internal/engine"
	"trading-bots/internal/events"
	"trading-bots/internal/facts"
	"trading-bots/internal/monitor"
	"trading-bots/internal/persistence"
	"trading-bots/internal/rules"
	"trading-bots/internal/snapshot"
	"trading-bots/pkg/config"
	"trading-bots/pkg/conn"
	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
	"trading-bots/pkg/pgstore"
)

// backend bundles what the process needs from whichever database is configured.
type backend struct {
	driver string
	store  snapshot.Store
	writer persistence.Writer
	pinger api.Pinger
	seed   func(ctx context.Context, f db.Fixture) error
	close  func() error
}

func main() {
	mode := flag.String("mode", "serve", "serve | tick | seed | validate")
	seedPath := flag.String("seed", "", "fixture file for -mode=seed (defaults to SEED_PATH)")
	rulesPath := flag.String("rules", "", "YAML rule set checked by -mode=validate")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *mode == "validate" {
		if err := validateRules(*rulesPath, log); err != nil {
			log.Error("rule set rejected", zap.String("path", *rulesPath), zap.Error(err))
			log.Sync()
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, *mode, *seedPath, log); err != nil {
		log.Error("exiting", zap.String("mode", *mode), zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode, seedPath string, log *zap.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	switch mode {
	case "seed":
		if seedPath == "" {
			seedPath = cfg.SeedPath
		}
		f, err := db.LoadFixture(seedPath)
		if err != nil {
			return err
		}
		if err := be.seed(ctx, f); err != nil {
			return fmt.Errorf("seed %s: %w", seedPath, err)
		}
		log.Info("fixture synced",
			zap.String("path", seedPath),
			zap.Int("bots", len(f.Bots)),
			zap.Int("stocks", len(f.Stocks)),
			zap.Int("strategies", len(f.Strategies)))
		return nil

	case "tick":
		runner := newRunner(cfg, be, events.NewBus(), log)
		tickCtx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
		defer cancel()
		_, err := runner.RunTick(tickCtx)
		return err

	case "serve":
		return serve(ctx, cfg, be, log)

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// validateRules loads a YAML rule set, registers it and evaluates it against
// a flat and a holding position, so operator and fact-type mistakes surface
// before the rules are stored.
func validateRules(path string, log *zap.Logger) error {
	if path == "" {
		return errors.New("-rules is required")
	}
	set, err := rules.LoadFile(path, log)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return fmt.Errorf("%s: no usable rules", path)
	}
	eng, err := rules.NewEngine(set)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}

	samples := []struct {
		name string
		pos  *facts.Position
	}{
		{"flat", nil},
		{"holding", &facts.Position{StockID: "sample", Shares: 100, Price: 10_000}},
	}
	for _, s := range samples {
		fired, err := eng.Run(facts.Build(s.pos, 1))
		if err != nil {
			return fmt.Errorf("evaluate %s against %s position: %w", path, s.name, err)
		}
		evs := make([]string, len(fired))
		for i, ev := range fired {
			evs[i] = string(ev.Type)
		}
		log.Info("sample evaluation", zap.String("position", s.name), zap.Strings("events", evs))
	}
	log.Info("rule set valid", zap.String("path", path), zap.Int("rules", eng.Len()))
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		if err := db.ApplyMigrations(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		log.Info("database ready", zap.String("driver", "sqlite"), zap.String("path", cfg.DBPath))
		return &backend{
			driver: "sqlite",
			store:  database,
			writer: database,
			pinger: database,
			seed:   database.SyncFixture,
			close:  database.Close,
		}, nil

	case "postgres":
		client, err := conn.NewPostgres(conn.Option{
			Host:       cfg.PostgresHost,
			Port:       cfg.PostgresPort,
			User:       cfg.PostgresUser,
			Password:   cfg.PostgresPassword,
			Database:   cfg.PostgresDB,
			SSLMode:    cfg.PostgresSSLMode,
			ConnString: cfg.PostgresDSN,
			Params:     map[string]string{"application_name": "trading-bots"},
		})
		if err != nil {
			return nil, err
		}
		store := pgstore.New(client.DB(), log)
		if err := store.Migrate(ctx); err != nil {
			client.Close()
			return nil, err
		}
		log.Info("database ready", zap.String("driver", "postgres"), zap.String("host", cfg.PostgresHost), zap.String("db", cfg.PostgresDB))
		return &backend{
			driver: "postgres",
			store:  store,
			writer: store,
			pinger: client,
			seed:   store.SyncFixture,
			close:  client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func newRunner(cfg *config.Config, be *backend, bus *events.Bus, log *zap.Logger) *engine.Runner {
	return engine.NewRunner(engine.Config{
		Store:   be.store,
		Writer:  be.writer,
		Bus:     bus,
		Metrics: monitor.NewTickMetrics(),
		Log:     log,
		Shards:  cfg.TickShards,
		DryRun:  cfg.DryRun,
	})
}

func serve(ctx context.Context, cfg *config.Config, be *backend, log *zap.Logger) error {
	bus := events.NewBus()
	runner := newRunner(cfg, be, bus, log)

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log}, Log: log}
	mon.Start(ctx)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	server := api.NewServer(runner, bus, be.pinger,
		api.SystemMeta{Version: version, DBDriver: be.driver},
		api.Options{TickTimeout: cfg.TickTimeout},
		log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", httpServer.Addr), zap.Bool("dry_run", cfg.DryRun))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.TickInterval > 0 {
		g.Go(func() error {
			scheduleTicks(gctx, runner, cfg.TickInterval, cfg.TickTimeout, log)
			return nil
		})
	}
	return g.Wait()
}

// scheduleTicks triggers a tick every interval until ctx ends. Failures are
// already logged and published by the runner; the schedule keeps going.
func scheduleTicks(ctx context.Context, runner engine.Service, interval, timeout time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("tick schedule started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, timeout)
			_, err := runner.RunTick(tickCtx)
			cancel()
			if errors.Is(err, engine.ErrTickInProgress) {
				log.Debug("scheduled tick skipped, previous still running")
			}
		}
	}
}
