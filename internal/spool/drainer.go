package spool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Drainer periodically opens an upstream connection and drains the spool
// into it. Drain failures never stop the drainer; they back off by the
// configured interval. On shutdown one final drain runs before exit.
type Drainer struct {
	spool    *Spool
	opener   UpstreamOpener
	interval time.Duration
	logger   *zap.Logger
}

// NewDrainer wires a drainer to its spool and upstream.
func NewDrainer(spool *Spool, opener UpstreamOpener, interval time.Duration, logger *zap.Logger) *Drainer {
	return &Drainer{spool: spool, opener: opener, interval: interval, logger: logger}
}

// Run loops until the context is cancelled, then performs the final drain.
// It always returns nil: storage failures are recovered by waiting.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("spool drainer started", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			d.logger.Info("spool drainer stopping, final drain")
			d.drain(context.Background())
			return nil
		}
	}
}

// drain runs one connect-drain-close cycle.
func (d *Drainer) drain(ctx context.Context) {
	up, err := d.opener.Open(ctx)
	if err != nil {
		d.logger.Warn("unable to open upstream connection", zap.Error(err))
		return
	}
	defer up.Close()

	drained, err := d.spool.DrainOnce(ctx, up)
	if err != nil {
		d.logger.Warn("spool drain stopped", zap.Int("drained", drained), zap.Error(err))
		return
	}
	if drained > 0 {
		d.logger.Info("spool drained", zap.Int("rows", drained))
	}
}
