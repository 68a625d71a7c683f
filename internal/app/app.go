// Package app wires a full aggregator session from the loaded settings:
// transport, state store, metrics endpoint, telemetry, alerts and the
// selected strategy setup.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"em-agg-sdk/internal/aggregator"
	"em-agg-sdk/internal/alerts"
	"em-agg-sdk/internal/config"
	"em-agg-sdk/internal/metrics"
	"em-agg-sdk/internal/setups"
	"em-agg-sdk/internal/state"
	"em-agg-sdk/internal/state/sqlite"
	"em-agg-sdk/internal/timescale"
	"em-agg-sdk/internal/transport"
	"em-agg-sdk/internal/transport/connected"
	"em-agg-sdk/internal/transport/redisbus"

	"go.uber.org/zap"
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	transport  transport.Transport
	aggregator *aggregator.Aggregator
	recorder   *timescale.Writer
	prom       *metrics.Prometheus
	setup      setups.Setup
}

func New(cfg *config.Config, setupName string, log *zap.Logger) (*App, error) {
	var store state.Store
	if cfg.State.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		sqliteStore, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = sqliteStore
	}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	var tr transport.Transport
	if cfg.API.RunOnRedis {
		bus, err := redisbus.New(cfg.Redis.URL, log, m)
		if err != nil {
			return nil, err
		}
		tr = bus
	} else {
		tr = connected.New(cfg.API, store, log, m)
	}

	recorder, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	var alertsClient *alerts.Telegram
	if cfg.Telegram.Enabled {
		alertsClient = alerts.NewTelegram(cfg.Telegram, log)
	}

	agg := aggregator.New(tr, log, aggregator.Options{
		Name:             cfg.Aggregator.Name,
		SimulationID:     cfg.API.SimulationID,
		AcceptAllDevices: *cfg.Aggregator.AcceptAllDevices,
		Store:            store,
		Metrics:          m,
		Recorder:         recorder,
		Alerts:           alertsClient,
	})

	setup, err := setups.New(setupName)
	if err != nil {
		return nil, err
	}
	setup.Install(agg, log)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		transport:  tr,
		aggregator: agg,
		recorder:   recorder,
		prom:       prom,
		setup:      setup,
	}, nil
}

// Run blocks until the simulation finishes or the session dies.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.prom != nil {
		a.serveMetrics(ctx)
	}
	a.log.Info("session starting",
		zap.String("aggregator", a.cfg.Aggregator.Name),
		zap.String("setup", a.setup.Name()),
		zap.Bool("run_on_redis", a.cfg.API.RunOnRedis))
	return a.aggregator.Run(ctx)
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics endpoint up",
		zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

func (a *App) close() {
	if err := a.transport.Close(); err != nil {
		a.log.Warn("transport close failed", zap.Error(err))
	}
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("telemetry close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
