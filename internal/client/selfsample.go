package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/spool"
)

// SelfSampler periodically spools the client's own position, independent
// of any trigger traffic. Rows carry the manual packet type and no
// sender address.
type SelfSampler struct {
	cfg      *config.Client
	fix      FixSource
	spool    *spool.Spool
	interval time.Duration
	logger   *zap.Logger
}

// NewSelfSampler wires a self-sampler with the location write interval
// served from the central database.
func NewSelfSampler(cfg *config.Client, fix FixSource, sp *spool.Spool, interval time.Duration, logger *zap.Logger) *SelfSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &SelfSampler{cfg: cfg, fix: fix, spool: sp, interval: interval, logger: logger}
}

// Run samples immediately and then on every interval until cancelled.
func (s *SelfSampler) Run(ctx context.Context) error {
	s.logger.Info("self-sampler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sample()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *SelfSampler) sample() {
	fix, ok := s.fix.ReadFix()
	if !ok {
		return
	}
	row := spool.Row{
		ClientName: s.cfg.ClientName,
		GPSTsp:     fix.Time,
		GPSLat:     fix.Lat,
		GPSLon:     fix.Lon,
		PacketType: packetManual,
	}
	if err := s.spool.Insert(row); err != nil {
		s.logger.Warn("unable to spool self-sample", zap.Error(err))
		return
	}
	selfSamplesTotal.Inc()
	s.logger.Info("location written",
		zap.Float64("tsp", fix.Time),
		zap.Float64("lat", fix.Lat),
		zap.Float64("lon", fix.Lon))
}
