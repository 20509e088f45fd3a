package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clms-ops/clms-backend-go/internal/config"
	"github.com/clms-ops/clms-backend-go/internal/core/alerting"
	"github.com/clms-ops/clms-backend-go/internal/core/metrics"
	"github.com/clms-ops/clms-backend-go/internal/core/performance"
	"github.com/clms-ops/clms-backend-go/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Fatal("Failed to load configuration: ", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	var collector metrics.Collector = metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(&metrics.Config{
			Enabled: cfg.Metrics.Enabled,
			Prefix:  cfg.Metrics.Prefix,
			Address: cfg.Metrics.Address,
		})
	}

	monitor := performance.NewMonitor(&performance.Config{
		SystemSampleInterval: cfg.Performance.SystemSampleInterval,
		Thresholds:           cfg.Performance.Thresholds,
	}, log)

	engine := alerting.NewEngine(&alerting.Config{
		DataPath:           cfg.Alerting.DataPath,
		ScanInterval:       cfg.Alerting.ScanInterval,
		EscalationInterval: cfg.Alerting.EscalationInterval,
	}, monitor, collector, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start alerting engine: ", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{
				Addr:              cfg.Metrics.Address,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.WithField("address", cfg.Metrics.Address).Info("Serving Prometheus metrics")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	log.Info("CLMS alerting service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	engine.Stop()
	monitor.Stop()
	cancel()
}
