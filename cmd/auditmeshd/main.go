package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/api"
	"github.com/auditmesh/auditmesh/pkg/audit"
	"github.com/auditmesh/auditmesh/pkg/config"
	"github.com/auditmesh/auditmesh/pkg/identity"
	"github.com/auditmesh/auditmesh/pkg/logging"
	"github.com/auditmesh/auditmesh/pkg/node"
	"github.com/auditmesh/auditmesh/pkg/p2p"
	"github.com/auditmesh/auditmesh/pkg/peers"
	"github.com/auditmesh/auditmesh/pkg/store"
)

var (
	configFile = flag.String("config", "/etc/auditmesh/config.yaml", "Path to configuration file")
	dataDir    = flag.String("data-dir", "", "Override data directory path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// App holds the assembled daemon
type App struct {
	repo     store.Repository
	service  *node.Service
	adminAPI *api.Server
	logger   *zap.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize daemon", zap.Error(err))
	}

	setupSignalHandling(ctx, cancel, app, logger)

	<-ctx.Done()
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	id, err := identity.LoadOrGenerate(cfg.Identity.KeyFile, cfg.Identity.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading node identity: %w", err)
	}
	logger.Info("Node identity loaded", zap.String("nodeID", id.NodeID))

	registry, err := peers.NewRegistry(cfg.Transport.PeersFile, logger)
	if err != nil {
		return nil, fmt.Errorf("loading peer registry: %w", err)
	}

	repo, err := store.NewPostgresRepository(initCtx, cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	producer := audit.NewSpoolProducer(cfg.Audit.SpoolDir)
	service := node.NewService(cfg, id, registry, producer, repo, logger)

	transport, err := p2p.NewHost(ctx, &cfg.Transport, id, registry, service.TransportHandlers(), logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("creating mesh transport: %w", err)
	}
	service.AttachTransport(transport)

	if err := service.Start(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("starting node service: %w", err)
	}

	adminAPI := api.NewServer(&cfg.API, service, logger)
	if err := adminAPI.Start(); err != nil {
		service.Stop()
		repo.Close()
		return nil, fmt.Errorf("starting admin API: %w", err)
	}

	return &App{
		repo:     repo,
		service:  service,
		adminAPI: adminAPI,
		logger:   logger,
	}, nil
}

// stop unwinds the daemon in reverse start order
func (a *App) stop() {
	if err := a.adminAPI.Stop(); err != nil {
		a.logger.Error("Stopping admin API failed", zap.Error(err))
	}
	if err := a.service.Stop(); err != nil {
		a.logger.Error("Stopping node service failed", zap.Error(err))
	}
	a.repo.Close()
	a.logger.Info("Daemon stopped")
}

func setupSignalHandling(ctx context.Context, cancel context.CancelFunc, app *App, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					logger.Info("SIGHUP received, reloading peer registry")
					if err := app.service.ReloadPeers(); err != nil {
						// In-flight rounds and the previous registry are unaffected
						logger.Error("Peer registry reload failed", zap.Error(err))
					}
					continue
				}

				logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
				app.stop()
				cancel()
				return
			case <-ctx.Done():
				app.stop()
				return
			}
		}
	}()
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.OutputPath = filepath.Join(cfg.DataDir, "logs", "auditmeshd.log")
	logCfg.Debug = debug || cfg.IsDevelopment()
	if debug {
		logCfg.Level = "debug"
	}
	return logging.NewLogger(logCfg)
}
