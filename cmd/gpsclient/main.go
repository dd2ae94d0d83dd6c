// gpsclient listens for trigger datagrams from the fleet server, samples
// the local GPS receiver and spools every event to a durable local buffer
// that is drained asynchronously into the central database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/systemli/gpsfleet/internal/client"
	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/gps"
	"github.com/systemli/gpsfleet/internal/spool"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config-file>\n", filepath.Base(os.Args[0]))
		return 1
	}

	cfg, err := config.ReadClient(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read config file: %v\n", err)
		return 1
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("gpsclient starting",
		zap.String("client", cfg.ClientName),
		zap.String("addr", cfg.ClientAddr),
		zap.String("buffer_file", cfg.BufferFile),
		zap.Duration("buffer_interval", cfg.BufferInterval))

	reader, err := gps.Dial(cfg.GPSDAddr, cfg.GPSDPort, logger)
	if err != nil {
		logger.Error("unable to connect to gpsd", zap.Error(err))
		return 1
	}

	sp, err := spool.Open(cfg.BufferFile, logger)
	if err != nil {
		logger.Error("unable to initialize spool", zap.Error(err))
		return 1
	}
	defer sp.Close()

	session := client.NewSession(cfg, client.NewDBSettings(cfg), reader, sp, logger)
	drainer := spool.NewDrainer(sp, client.NewUpstream(cfg), cfg.BufferInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reader.Run(gctx) })
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error { return session.Run(gctx) })
	go client.StartMetricsServer(gctx, cfg.MetricsAddr, sp, logger)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Error("gpsclient failed", zap.Error(err))
		return 1
	}

	logger.Info("gpsclient stopped")
	return 0
}
