package client

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/spool"
)

var (
	registrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsclient_registrations_total",
		Help: "Total number of ONLINE registrations sent",
	})

	receiveTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsclient_receive_timeouts_total",
		Help: "Total number of trigger receive timeouts",
	})

	triggersReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsclient_triggers_received_total",
		Help: "Total number of accepted trigger frames",
	}, []string{"mode"})

	droppedTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsclient_dropped_triggers_total",
		Help: "Total number of dropped trigger datagrams",
	}, []string{"mode", "reason"})

	acksSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsclient_acks_sent_total",
		Help: "Total number of acknowledgement frames sent",
	})

	selfSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpsclient_self_samples_total",
		Help: "Total number of self-location samples spooled",
	})
)

// StartMetricsServer serves the prometheus endpoint until the context is
// cancelled. A no-op when addr is empty.
func StartMetricsServer(ctx context.Context, addr string, sp *spool.Spool, logger *zap.Logger) {
	if addr == "" {
		return
	}

	spoolDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gpsclient_spool_depth",
		Help: "Number of rows currently queued in the local spool",
	}, func() float64 {
		n, err := sp.Count()
		if err != nil {
			return -1
		}
		return float64(n)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		registrationsTotal,
		receiveTimeoutsTotal,
		triggersReceivedTotal,
		droppedTriggersTotal,
		acksSentTotal,
		selfSamplesTotal,
		spoolDepth,
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
