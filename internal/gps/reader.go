// Package gps maintains a streaming connection to the local GPS daemon and
// publishes the most recent fix to the rest of the client.
package gps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	gpsd "github.com/stratoberry/go-gpsd"
	"go.uber.org/zap"
)

// modeNoFix is the gpsd TPV mode at or below which no position is available
// (0 unknown, 1 no fix, 2 2D, 3 3D).
const modeNoFix = 1

// Fix is one GPS sample.
type Fix struct {
	Time float64 // unix seconds, NaN when the receiver reported none
	Lat  float64
	Lon  float64
	Mode int
	// LatLonSet reports whether the last TPV actually carried a position.
	LatLonSet bool
}

// Reader subscribes to gpsd TPV reports and keeps the latest fix behind a
// readers/writer lock.
type Reader struct {
	mu      sync.RWMutex
	fix     Fix
	session *gpsd.Session
	logger  *zap.Logger
}

// Dial connects to the GPS daemon and registers the TPV watch. The stream
// is not consumed until Run is called.
func Dial(addr string, port uint16, logger *zap.Logger) (*Reader, error) {
	session, err := gpsd.Dial(fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("connect to gpsd: %w", err)
	}
	r := &Reader{
		fix:     Fix{Time: math.NaN(), Lat: math.NaN(), Lon: math.NaN()},
		session: session,
		logger:  logger,
	}
	session.AddFilter("TPV", r.handleTPV)
	logger.Info("gpsd stream enabled", zap.String("addr", addr), zap.Uint16("port", port))
	return r, nil
}

// Run consumes the gpsd stream until the context is cancelled. A stream
// that dies on its own is an error: the whole client relies on the sensor.
func (r *Reader) Run(ctx context.Context) error {
	done := r.session.Watch()
	select {
	case <-ctx.Done():
		r.session.Close()
		return nil
	case <-done:
		return errors.New("gpsd stream closed")
	}
}

// handleTPV publishes the fix from one TPV report.
func (r *Reader) handleTPV(report interface{}) {
	tpv, ok := report.(*gpsd.TPVReport)
	if !ok {
		return
	}
	mode := int(tpv.Mode)
	fix := Fix{
		Lat:       tpv.Lat,
		Lon:       tpv.Lon,
		Mode:      mode,
		LatLonSet: mode > modeNoFix,
	}
	if tpv.Time.IsZero() {
		fix.Time = math.NaN()
	} else {
		fix.Time = float64(tpv.Time.UnixNano()) / 1e9
	}

	r.mu.Lock()
	r.fix = fix
	r.mu.Unlock()
}

// ReadFix returns the latest fix. The second return is true only when the
// fix is usable: a position was reported, the receiver has a fix, and none
// of time, latitude or longitude is NaN.
func (r *Reader) ReadFix() (Fix, bool) {
	r.mu.RLock()
	fix := r.fix
	r.mu.RUnlock()

	ok := fix.LatLonSet && fix.Mode > modeNoFix &&
		!math.IsNaN(fix.Time) && !math.IsNaN(fix.Lat) && !math.IsNaN(fix.Lon)
	return fix, ok
}
