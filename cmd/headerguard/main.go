// Package main runs the headerguard service: an HTTP API and an optional
// milter that score email headers for spoofing and phishing risk.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-milter"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/analyzer"
	"github.com/mail-cci/headerguard/internal/api"
	"github.com/mail-cci/headerguard/internal/api/routes"
	"github.com/mail-cci/headerguard/internal/cache"
	"github.com/mail-cci/headerguard/internal/config"
	"github.com/mail-cci/headerguard/internal/dkim"
	milt "github.com/mail-cci/headerguard/internal/milter"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/spf"
	"github.com/mail-cci/headerguard/internal/storage"
	"github.com/mail-cci/headerguard/pkg/logger"
)

const (
	AppVersion = "1.0.0"
	AppName    = "headerguard"
)

var (
	cfg         *config.Config
	cfgMutex    sync.RWMutex
	ctx, cancel = context.WithCancel(context.Background())
	mainLog     *zap.Logger

	verifyLog *zap.Logger
	milterLog *zap.Logger
	apiLog    *zap.Logger

	pool        *analyzer.Pool
	apiHandler  *routes.AnalysisHandler
	resultCache *cache.Results
	db          *sql.DB
	httpServer  *http.Server
	milterLn    net.Listener

	wg sync.WaitGroup
)

func main() {
	if err := initConfig(); err != nil {
		fmt.Printf("Failed to initialize configuration: %v\n", err)
		os.Exit(1)
	}

	if err := initLoggers(); err != nil {
		fmt.Printf("Failed to initialize loggers: %v\n", err)
		os.Exit(1)
	}
	defer syncLoggers()

	zap.ReplaceGlobals(mainLog)

	mainLog.Info("Initializing headerguard modules")
	if err := initModules(); err != nil {
		mainLog.Fatal("Failed to initialize modules", zap.Error(err))
	}

	startServers()

	mainLog.Info("Application started successfully",
		zap.String("name", AppName),
		zap.String("version", AppVersion),
		zap.String("environment", cfg.Env),
		zap.Bool("milter_enabled", cfg.MilterEnabled),
		zap.String("milter_port", cfg.MilterPort),
		zap.String("api_port", cfg.ApiPort),
	)

	handleShutdown()
}

func initConfig() error {
	c, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	cfg = c
	return nil
}

func initLoggers() error {
	var err error

	if mainLog, err = createLogger("main.log"); err != nil {
		return fmt.Errorf("creating main logger: %w", err)
	}
	if verifyLog, err = createLogger("verify.log"); err != nil {
		return fmt.Errorf("creating verification logger: %w", err)
	}
	if milterLog, err = createLogger("milter.log"); err != nil {
		return fmt.Errorf("creating milter logger: %w", err)
	}
	if apiLog, err = createLogger("api.log"); err != nil {
		return fmt.Errorf("creating API logger: %w", err)
	}
	return nil
}

func createLogger(filename string) (*zap.Logger, error) {
	return logger.Init(logger.LogConfig{
		Level:         cfg.LogLevel,
		FilePath:      filepath.Join(cfg.LogPath, filename),
		MaxSizeMB:     100,
		MaxBackups:    7,
		MaxAgeDays:    30,
		ConsoleOutput: cfg.Env == "development",
	})
}

func syncLoggers() {
	for _, l := range []*zap.Logger{mainLog, verifyLog, milterLog, apiLog} {
		if l != nil {
			_ = l.Sync()
		}
	}
}

func newEngine(c *config.Config) *analyzer.Engine {
	return analyzer.New(
		analyzer.WithLogger(mainLog.Named("analyzer")),
		analyzer.WithAlignment(c.Analysis.Alignment),
	)
}

func thresholds(c *config.Config) scoring.Thresholds {
	return scoring.Thresholds{Medium: c.Scoring.MediumThreshold, High: c.Scoring.HighThreshold}
}

// initModules wires verification, cache, storage and the worker pool.
func initModules() error {
	spf.Init(cfg, verifyLog)
	dkim.Init(cfg, verifyLog)

	if cfg.RedisURL != "" {
		resultCache = cache.New(cfg.RedisURL, cfg.RedisTimeout, cfg.CacheTTL, apiLog)
	}

	if cfg.DatabaseURL != "" {
		var err error
		db, err = storage.New(cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
	}

	pool = analyzer.NewPool(newEngine(cfg), analyzer.PoolConfig{})
	pool.Start()

	milt.Init(milterSettings(cfg))
	return nil
}

func milterSettings(c *config.Config) milt.Settings {
	s := milt.Settings{
		Logger:     milterLog,
		Engine:     newEngine(c),
		Thresholds: thresholds(c),
		Verify:     c.Verify.Enabled,
	}
	if db != nil {
		s.Store = storage.NewStore(db)
	}
	return s
}

func analysisHandler(c *config.Config) *routes.AnalysisHandler {
	h := &routes.AnalysisHandler{
		Analyzer:   pool,
		Cache:      resultCache,
		Alignment:  c.Analysis.Alignment,
		Thresholds: thresholds(c),
		Logger:     apiLog,
	}
	if db != nil {
		h.Store = storage.NewStore(db)
	}
	return h
}

func startServers() {
	if cfg.MilterEnabled {
		ln, err := net.Listen("tcp", ":"+cfg.MilterPort)
		if err != nil {
			milterLog.Fatal("Failed to start milter server",
				zap.Error(err),
				zap.String("port", cfg.MilterPort),
			)
		}
		milterLn = ln

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMilter(ln)
		}()
	}

	api.InitLogger(apiLog)
	apiHandler = analysisHandler(cfg)
	httpServer = &http.Server{
		Addr:        ":" + cfg.ApiPort,
		Handler:     api.NewServer(cfg, apiHandler),
		ReadTimeout: cfg.HTTPTimeout,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(httpServer)
	}()
}

func handleShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigChan:
			mainLog.Info("Signal received", zap.String("signal", sig.String()))

			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				mainLog.Info("Initiating graceful shutdown")
				gracefulShutdown()
				return

			case syscall.SIGHUP:
				mainLog.Info("Reloading configuration")
				if err := reloadConfig(); err != nil {
					mainLog.Error("Failed to reload configuration", zap.Error(err))
				}
			}
		case <-ctx.Done():
			mainLog.Info("Context cancelled, shutting down")
			return
		}
	}
}

func gracefulShutdown() {
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			apiLog.Warn("HTTP server shutdown", zap.Error(err))
		}
	}
	if milterLn != nil {
		_ = milterLn.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mainLog.Info("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		mainLog.Warn("Shutdown timeout exceeded, forcing exit")
	}

	pool.Stop()
	if err := resultCache.Close(); err != nil {
		mainLog.Warn("closing result cache", zap.Error(err))
	}
	if db != nil {
		_ = db.Close()
	}
}

// reloadConfig handles SIGHUP. The log level, verification settings,
// thresholds and alignment apply at once to both the API and the milter;
// everything else needs a restart.
func reloadConfig() error {
	newCfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cfgMutex.Lock()
	oldCfg := cfg
	cfg = newCfg
	cfgMutex.Unlock()

	if oldCfg.LogLevel != newCfg.LogLevel {
		if err := logger.SetLevel(newCfg.LogLevel); err != nil {
			mainLog.Error("Failed to change log level", zap.Error(err))
		}
	}
	if oldCfg.ApiPort != newCfg.ApiPort || oldCfg.MilterPort != newCfg.MilterPort ||
		oldCfg.DatabaseURL != newCfg.DatabaseURL || oldCfg.RedisURL != newCfg.RedisURL {
		mainLog.Warn("Listener, database or redis settings changed; restart to apply them")
	}

	spf.Init(newCfg, verifyLog)
	dkim.Init(newCfg, verifyLog)
	milt.Init(milterSettings(newCfg))
	pool.SetEngine(newEngine(newCfg))
	if apiHandler != nil {
		apiHandler.Configure(newCfg.Analysis.Alignment, thresholds(newCfg))
	}

	mainLog.Info("Configuration reload completed successfully",
		zap.String("environment", newCfg.Env),
		zap.String("log_level", newCfg.LogLevel),
		zap.String("alignment", string(newCfg.Analysis.Alignment)),
		zap.Bool("verify", newCfg.Verify.Enabled),
	)
	return nil
}

func serveMilter(ln net.Listener) {
	server := milter.Server{
		NewMilter: func() milter.Milter {
			return milt.MailProcessor()
		},
		Actions: milter.OptAddHeader,
	}

	milterLog.Info("Milter server running",
		zap.Stringer("address", ln.Addr()),
		zap.String("network", "tcp"),
	)

	if err := server.Serve(ln); err != nil && ctx.Err() == nil {
		milterLog.Error("Milter server failure", zap.Error(err))
	}
}

func serveHTTP(srv *http.Server) {
	apiLog.Info("HTTP API server starting", zap.String("address", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		apiLog.Error("HTTP API server failed", zap.Error(err), zap.String("address", srv.Addr))
	}
}
