// @title        DTICU Ventilator Server API
// @version      1.0
// @description  Real-time ventilator telemetry: CDC ingest, WebSocket fan-out, patient records, and PEEP analysis.
// @host         localhost:8000
// @BasePath     /
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/activity"
	"github.com/yartinzz/DTICU-Ventilator/internal/analysis"
	"github.com/yartinzz/DTICU-Ventilator/internal/cache"
	"github.com/yartinzz/DTICU-Ventilator/internal/chat"
	"github.com/yartinzz/DTICU-Ventilator/internal/config"
	"github.com/yartinzz/DTICU-Ventilator/internal/dispatch"
	"github.com/yartinzz/DTICU-Ventilator/internal/handler"
	"github.com/yartinzz/DTICU-Ventilator/internal/registry"
	"github.com/yartinzz/DTICU-Ventilator/internal/relay"
	"github.com/yartinzz/DTICU-Ventilator/internal/replication"
	"github.com/yartinzz/DTICU-Ventilator/internal/repository"
	"github.com/yartinzz/DTICU-Ventilator/internal/telemetry"
	"github.com/yartinzz/DTICU-Ventilator/internal/ws"
)

const serviceName = "dticu-server"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	// runCtx governs everything that streams: the replication listener,
	// the activity sweeper and the dispatch workers.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTELEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, cfg.OTELEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── Database ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.QueryURL)
	if err != nil {
		logger.Fatal("failed to parse database URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	store := repository.NewStore(pool, logger)

	// ── NATS JetStream (optional sample relay) ─────────────────────────────
	var sampleRelay replication.SampleRelay
	if cfg.NATSURL != "" {
		natsClient, err := relay.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS initialization failed", zap.Error(err))
		}
		defer natsClient.Close()

		if err := natsClient.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		sampleRelay = relay.New(natsClient, logger)
	}

	// ── Fan-out core ───────────────────────────────────────────────────────
	samples := cache.New()
	subscribers := registry.New(logger)
	tracker := activity.NewTracker(cfg.InactivityThreshold, logger)

	dispatchPool := dispatch.NewPool(samples, subscribers, logger, cfg.DispatchWorkers, dispatch.DefaultQueueDepth)
	dispatchPool.Start(runCtx)
	defer dispatchPool.Stop()

	// ── Replication listener ───────────────────────────────────────────────
	// The listener reconnects on its own; if it gives up the REST surface
	// stays available, so the failure is logged rather than fatal.
	listener := replication.NewListener(replication.Config{
		ReplicationURL: cfg.ReplicationURL,
		QueryURL:       cfg.QueryURL,
		Slot:           cfg.ReplicationSlot,
		Publication:    cfg.ReplicationPublication,
	}, samples, tracker, dispatchPool, sampleRelay, logger)
	go func() {
		if err := listener.Run(runCtx); err != nil {
			logger.Error("replication listener exited", zap.Error(err))
		}
	}()

	sweeper := activity.NewSweeper(tracker, subscribers, logger)
	go sweeper.Run(runCtx)

	// ── Analysis engine pool ───────────────────────────────────────────────
	var analyzer ws.Analyzer
	if cfg.AnalysisEngineURL != "" {
		engines := make([]analysis.Engine, 0, cfg.AnalysisPoolSize)
		for i := 0; i < cfg.AnalysisPoolSize; i++ {
			engines = append(engines, analysis.NewHTTPEngine(cfg.AnalysisEngineURL, cfg.AnalysisCodePath))
		}
		analyzer = analysis.NewBridge(engines, cfg.SamplingRate, logger)
		logger.Info("analysis engine pool ready",
			zap.String("endpoint", cfg.AnalysisEngineURL),
			zap.Int("size", cfg.AnalysisPoolSize))
	} else {
		logger.Warn("no analysis engine configured, analyze requests will be rejected")
	}

	// ── DeepSeek chat bridge ───────────────────────────────────────────────
	var chatter ws.Chatter
	if cfg.DeepSeekAPIKey != "" {
		chatter = chat.NewClient(cfg.DeepSeekAPIURL, cfg.DeepSeekAPIKey, logger)
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.NewHandler(store, logger).Register(e)

	hub := ws.NewHub(subscribers, tracker, store, analyzer, chatter, cfg.MaxConnections, logger)
	e.GET("/ws", hub.Handle)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	stop() // drain the replication loop, the sweeper and the dispatch workers

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("server shut down cleanly")
}
