package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/config"
	"github.com/billingworks/renewd/pkg/gateway"
	"github.com/billingworks/renewd/pkg/notify"
	"github.com/billingworks/renewd/pkg/observability"
	"github.com/billingworks/renewd/pkg/scheduler"
	"github.com/billingworks/renewd/pkg/secrets"
	"github.com/billingworks/renewd/pkg/store"
)

var (
	runOnce = flag.Bool("run-once", false, "Run a single reconciliation tick and exit (for testing and backfills)")
	envFile = flag.String("env-file", "", "Optional .env file to load before reading configuration")
)

func main() {
	flag.Parse()

	startup := logrus.New()
	startup.SetLevel(logrus.InfoLevel)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			startup.Fatalf("Failed to load env file %s: %v", *envFile, err)
		}
	} else {
		// A missing default .env is fine; the environment may be complete.
		_ = godotenv.Load()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	log := observability.NewLogger(cfg.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	db, err := store.Connect(store.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		startup.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	codec, err := secrets.NewCodec([]byte(cfg.EmailKey))
	if err != nil {
		startup.Fatalf("Failed to initialize email codec: %v", err)
	}

	billingStore, err := store.NewPostgresStore(db, codec, log)
	if err != nil {
		startup.Fatalf("Failed to initialize store: %v", err)
	}

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		MerchantID: cfg.Gateway.MerchantID,
		APIKey:     cfg.Gateway.APIKey,
		ProjectID:  cfg.Gateway.ProjectID,
		Currency:   cfg.Gateway.Currency,
		Timeout:    cfg.Gateway.Timeout,
	}, log, metrics)

	notifier := notify.NewClient(cfg.NotifyURL, 10*time.Second)

	engine := billing.NewEngine(billingStore, gatewayClient, notifier, billing.EngineConfig{
		Logger:     log,
		Metrics:    metrics,
		BatchSize:  cfg.BatchSize,
		Simulation: cfg.RunMode == config.ModeSimulation,
	})

	if *runOnce {
		summary, err := engine.RunOnce(context.Background())
		if err != nil {
			startup.Fatalf("Tick failed: %v", err)
		}
		startup.Infof("Tick complete: processed=%d succeeded=%d failed=%d expired=%d swept=%d forecast=%d",
			summary.Processed, summary.Succeeded, summary.Failed, summary.Expired,
			summary.SweptSubscriptions, summary.ForecastEntries)
		return
	}

	runner := scheduler.New(engine, cfg.TickInterval, cfg.HeartbeatInterval, log, metrics)
	if err := runner.Start(); err != nil {
		startup.Fatalf("Failed to start scheduler: %v", err)
	}

	admin := adminServer(cfg.AdminPort, db, registry)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startup.Fatalf("Admin server failed: %v", err)
		}
	}()

	statsDone := make(chan struct{})
	go pollDBStats(db, metrics, statsDone)

	log.WithField("mode", cfg.RunMode).Info("renewd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")
	close(statsDone)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runner.Stop(stopCtx)

	if err := admin.Shutdown(stopCtx); err != nil {
		log.WithError(err).Warn("admin server shutdown")
	}

	log.Info("renewd stopped")
}

// adminServer serves the operational side channel: liveness, readiness and
// metrics on a port separate from any tenant traffic.
func adminServer(port string, db *sql.DB, registry *prometheus.Registry) *http.Server {
	health := observability.NewHealthChecker(db)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	router.Handle("/metrics", observability.Handler(registry)).Methods(http.MethodGet)

	return &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func pollDBStats(db *sql.DB, metrics *observability.Metrics, done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.UpdateDBStats(db.Stats())
		case <-done:
			return
		}
	}
}
