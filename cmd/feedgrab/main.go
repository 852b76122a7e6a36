package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"feedgrab/internal/config"
	"feedgrab/internal/logging"
	"feedgrab/internal/metrics"
	"feedgrab/internal/notify"
	"feedgrab/internal/scheduler"
	"feedgrab/internal/storage"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.StringP("config", "c", config.DefaultPath, "path to the config file")
	verbose := flag.BoolP("verbose", "v", false, "log every profile verbosely")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("feedgrab", version)
		return 0
	}

	bootLog := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*configPath, *verbose, bootLog)
	if err != nil {
		bootLog.Error("load config", "error", err)
		return 1
	}

	log, logCloser := logging.New(cfg.LogLevel, cfg.LogFile)
	defer func() { _ = logCloser.Close() }()

	store, err := openStore(cfg)
	if err != nil {
		log.Error("open state store", "backend", cfg.StateBackend, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	var sender scheduler.Sender
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, log)
		if err != nil {
			log.Error("create telegram sender", "error", err)
			return 1
		}
		sender = tg
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, reg, log)
	}

	deps := scheduler.Deps{
		Store:   store,
		Client:  &http.Client{},
		Sender:  sender,
		Metrics: m,
		Log:     log,
	}
	pollers := make([]*scheduler.Poller, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		pollers = append(pollers, scheduler.NewPoller(p, deps))
	}

	log.Info("starting", "version", version, "profiles", len(pollers), "backend", cfg.StateBackend)
	scheduler.New(pollers, log).Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("stop metrics server", "error", err)
		}
	}

	log.Info("stopped")
	return 0
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	if cfg.StateBackend == config.BackendSQLite {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return storage.NewSQLite(cfg.DatabasePath)
	}
	return storage.NewFileStore(cfg.StateDir)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	return srv
}
