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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/launchgate/internal/config"
	"github.com/g960059/launchgate/internal/connectivity"
	"github.com/g960059/launchgate/internal/daemon"
	"github.com/g960059/launchgate/internal/db"
	"github.com/g960059/launchgate/internal/director"
	"github.com/g960059/launchgate/internal/gate"
	"github.com/g960059/launchgate/internal/ingest"
	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/push"
	"github.com/g960059/launchgate/internal/resolver"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	socketPath := flag.String("socket", "", "UDS path for launchgated")
	dbPath := flag.String("db", "", "SQLite path")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	reset := flag.Bool("reset", false, "clear persisted settings before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log, *reset)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error("launchgated stopped", zap.Error(err))
		a.close()
		os.Exit(1)
	}
}

// app holds the wired daemon components.
type app struct {
	store        *db.Store
	settings     *db.Settings
	director     *director.Director
	consolidator *ingest.Consolidator
	server       *daemon.Server
	log          *zap.Logger
	closed       bool
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, reset bool) (*app, error) {
	log = logging.OrNop(log)
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	settings := db.NewSettings(store, log)
	if reset {
		cleared := settings.Reset()
		log.Info("persisted settings cleared", zap.Strings("keys", cleared))
	}

	httpClient := &http.Client{}
	var routingGate director.Gate
	if cfg.GateURL != "" {
		routingGate = gate.New(cfg.GateURL, httpClient, log)
	}
	metadata := resolver.NewMetadata(cfg, settings)

	dir := director.New(director.Deps{
		Settings: settings,
		Gate:     routingGate,
		Resolver: resolver.New(resolver.EndpointsFromConfig(cfg), metadata, httpClient, log),
		Monitor:  connectivity.NewMonitorFromConfig(cfg, log),
		Journal:  store,
		Logger:   log,
	}, director.OptionsFromConfig(cfg))

	consolidator := ingest.NewConsolidator(cfg.ConsolidationWindow, settings, ingest.Handlers{
		OnConsolidated: dir.IngestAttribution,
		OnDeeplink:     dir.IngestLink,
		OnReplay:       dir.IngestAttribution,
	}, log)

	server := daemon.NewServer(cfg, daemon.Deps{
		Director: dir,
		Signals:  consolidator,
		Push:     push.NewDispatcher(settings, log),
		Journal:  store,
		Logger:   log,
	})

	return &app{
		store:        store,
		settings:     settings,
		director:     dir,
		consolidator: consolidator,
		server:       server,
		log:          log,
	}, nil
}

// run serves the API and drives the director until ctx is done or either
// fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.director.Run(gctx)
	})
	g.Go(func() error {
		err := a.server.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errors.New("server exited")
		}
		return err
	})
	return g.Wait()
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	a.consolidator.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store failed", zap.Error(err))
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "launchgated: %v\n", err)
	os.Exit(1)
}
