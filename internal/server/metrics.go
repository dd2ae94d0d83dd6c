package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ctlFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsserver_ctl_frames_total",
		Help: "Total number of control frames received",
	}, []string{"code"})

	duplicateOnlineTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsserver_duplicate_online_total",
		Help: "Total number of rejected duplicate ONLINE registrations",
	})

	triggersSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsserver_triggers_sent_total",
		Help: "Total number of trigger frames sent",
	}, []string{"mode"})

	acksReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsserver_acks_received_total",
		Help: "Total number of valid acknowledgement frames received",
	})

	invalidAcksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsserver_invalid_acks_total",
		Help: "Total number of acknowledgement frames dropped by validation",
	})

	pruneTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsserver_prunes_total",
		Help: "Total number of clients pruned after ACK silence",
	})

	onlineSinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gpsserver_online_sinks",
		Help: "Number of currently online clients",
	})

	eventInsertFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsserver_event_insert_failures_total",
		Help: "Total number of failed event inserts",
	})
)

// StartMetricsServer serves the prometheus endpoint until the context is
// cancelled. A no-op when addr is empty.
func StartMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ctlFramesTotal,
		duplicateOnlineTotal,
		triggersSentTotal,
		acksReceivedTotal,
		invalidAcksTotal,
		pruneTotal,
		onlineSinks,
		eventInsertFailures,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}
	}()

	logger.Info("metrics server started", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
