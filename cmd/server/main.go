package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/api"
	"github.com/devscene/backend/internal/config"
	"github.com/devscene/backend/internal/history"
	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/poller"
	"github.com/devscene/backend/internal/push"
	"github.com/devscene/backend/internal/samplecache"
	"github.com/devscene/backend/internal/session"
	"github.com/devscene/backend/internal/storage"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const configFileName = "devscene.config"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devscene: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "devscene",
		Short:         "Serve device scenes and live previews of their data sources",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				// Resolve the config next to the executable
				exePath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to get executable path: %w", err)
				}
				configPath = filepath.Join(filepath.Dir(exePath), configFileName)
			}
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "XML configuration file (default next to the executable)")
	return cmd
}

// openStore selects the scene store backend
func openStore(cfg *config.AppConfig, logger *zap.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := storage.OpenPostgresStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		local, err := storage.NewLocalStore(cfg.Storage.ScenesDirectory, logger)
		if err != nil {
			return nil, nil, err
		}
		return local, func() {}, nil
	}
}

func serve(configPath string) error {
	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Advanced.LogLevel, cfg.Advanced.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStore()

	opts := session.Options{
		Store:          store,
		Fetcher:        poller.NewHTTPFetcher(&http.Client{}),
		Metrics:        poller.NewMetrics(prometheus.DefaultRegisterer),
		Logger:         logger,
		DefaultTimeout: cfg.PollTimeout(),
		MinInterval:    cfg.MinPollInterval(),
		MaxSessions:    cfg.Sessions.MaxSessions,
	}

	// Optional sample history
	var historyStore api.HistoryStore
	if cfg.Polling.RecordHistory {
		hist, err := history.Open(filepath.Join(cfg.Storage.HistoryDirectory, "samples.duckdb"), history.Options{
			Keep:        cfg.Polling.HistoryLimit,
			Threads:     cfg.Advanced.DuckDBThreads,
			MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open sample history: %w", err)
		}
		defer hist.Close()
		opts.History = hist
		historyStore = hist
	}

	// Optional Redis mirror of the latest samples
	var mirror api.SampleInvalidator
	if cfg.Cache.Enabled {
		cache, err := samplecache.Dial(samplecache.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.RedisDB,
			TTL:      time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("sample cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			opts.Mirror = cache
			mirror = cache
		}
	}

	registry := push.NewRegistry(push.Config{
		Channels:       cfg.ChannelURLs(),
		Heartbeat:      time.Duration(cfg.Push.HeartbeatSeconds) * time.Second,
		ReconnectDelay: time.Duration(cfg.Push.ReconnectSeconds) * time.Second,
		MQTTBroker:     cfg.Push.MQTTBroker,
		MQTTClientID:   cfg.Push.MQTTClientID,
		MQTTUsername:   cfg.Push.MQTTUsername,
		MQTTPassword:   cfg.Push.MQTTPassword,
		Logger:         logger,
	})
	defer registry.Close()
	opts.Push = registry

	// Initialize session manager
	sessionMgr := session.NewManager(opts)
	defer sessionMgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background session cleanup
	go func() {
		interval := time.Duration(cfg.Sessions.CleanupIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessionMgr.CleanupOldSessions(cfg.SessionTimeout())
			case <-ctx.Done():
				return
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e, api.MiddlewareOptions{
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		Timeout:        time.Duration(cfg.Server.ReadTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Server.AllowOrigins,
		Logger:         logger,
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:            store,
		SessionMgr:       sessionMgr,
		History:          historyStore,
		Mirror:           mirror,
		Version:          Version,
		DefaultInterval:  cfg.Polling.DefaultIntervalMs,
		AllowDeletion:    cfg.Storage.AllowDeletion,
		EnableMetrics:    cfg.Server.EnableMetrics,
		Gatherer:         prometheus.DefaultGatherer,
		WSMaxMessageSize: int64(cfg.Advanced.WebSocketMaxMessageSize) * 1024,
		Logger:           logger,
	}))

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Print startup banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Device Scene Service                            ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Storage:    %-45s║\n", cfg.Storage.Backend)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
