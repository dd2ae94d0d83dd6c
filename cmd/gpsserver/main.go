// gpsserver solicits GPS fixes from a fleet of clients over unicast,
// multicast and broadcast triggers and records every observable event to
// the central database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/server"
	"github.com/systemli/gpsfleet/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config-file>\n", filepath.Base(os.Args[0]))
		return 1
	}

	cfg, err := config.ReadServer(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read config file: %v\n", err)
		return 1
	}

	logger, err := buildLogger(cfg.LogfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open logfile: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if cfg.DaemonizeEnable {
		logger.Warn("daemonize-enable is ignored, run under a process supervisor")
	}
	if err := writePidFile(cfg.PidfilePath); err != nil {
		logger.Warn("unable to write pidfile", zap.Error(err))
	} else {
		defer os.Remove(cfg.PidfilePath)
	}

	logger.Info("gpsserver starting",
		zap.Uint16("control_port", cfg.ControlPort),
		zap.Bool("unicast", cfg.UnicastEnable),
		zap.Bool("multicast", cfg.MulticastEnable),
		zap.Bool("broadcast", cfg.BroadcastEnable),
		zap.Bool("clientport", cfg.ClientPortEnable),
		zap.Duration("packet_interval", cfg.PacketInterval),
		zap.Duration("prune_interval", cfg.PruneInterval))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		User:     cfg.DBUser,
		Password: cfg.DBPasswd,
	})
	if err != nil {
		logger.Error("unable to connect to database", zap.Error(err))
		return 1
	}
	defer db.Close()
	logger.Info("connected to database",
		zap.String("host", cfg.DBHost), zap.Uint16("port", cfg.DBPort))

	events := store.NewEventWriter(db, cfg.DBTable, cfg.PacketInterval)
	loop := server.New(cfg, events, logger)
	if _, err := loop.Listen(); err != nil {
		logger.Error("unable to bind control socket", zap.Error(err))
		return 1
	}

	go server.StartMetricsServer(ctx, cfg.MetricsAddr, logger)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = loop.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Error("dispatch loop failed", zap.Error(err))
		return 1
	}
	return 0
}

// buildLogger routes structured logs to the configured file, or stderr
// when the path is empty.
func buildLogger(path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}
	return cfg.Build()
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
