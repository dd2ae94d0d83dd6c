// Package client implements the gpsclient receive-and-buffer pipeline: it
// registers with the fleet server over TCP, listens for trigger datagrams
// on three UDP delivery modes, acknowledges unicast triggers and spools
// every inbound event for asynchronous upstream delivery.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/gps"
	"github.com/systemli/gpsfleet/internal/spool"
	"github.com/systemli/gpsfleet/internal/store"
	"github.com/systemli/gpsfleet/internal/wire"
)

// Spool row packet types. These are the client-side codes stored in the
// packet_type column; note that multicast and broadcast are swapped
// relative to the server's event codes, matching the deployed schema.
const (
	packetManual    = 0
	packetUnicast   = 1
	packetMulticast = 2
	packetBroadcast = 3
)

const (
	// settingsFetchRetries and settingsFetchBackoff bound the initial
	// configuration fetch before the client gives up.
	settingsFetchRetries = 5
	settingsFetchBackoff = 30 * time.Second

	// settingsRefreshAge forces a re-read of the server-side settings
	// before re-registering once they are older than this.
	settingsRefreshAge = 5 * time.Second

	registerTimeout = 10 * time.Second
)

// errReceiveTimeout reports that no trigger arrived within the server
// retry interval; the session re-registers.
var errReceiveTimeout = errors.New("trigger receive timeout")

// FixSource provides the latest usable GPS fix.
type FixSource interface {
	ReadFix() (gps.Fix, bool)
}

// SettingsFetcher reads the per-client settings row from the central
// database.
type SettingsFetcher interface {
	Fetch(ctx context.Context) (*store.ClientSettings, error)
}

// Session is the client's top-level state machine: fetch settings,
// register, receive until timeout, repeat; send OFFLINE on shutdown.
type Session struct {
	cfg     *config.Client
	fetcher SettingsFetcher
	fix     FixSource
	spool   *spool.Spool
	logger  *zap.Logger

	settings   *store.ClientSettings
	settingsAt time.Time
	serverIP   net.IP
}

// NewSession wires a session to its collaborators.
func NewSession(cfg *config.Client, fetcher SettingsFetcher, fix FixSource, sp *spool.Spool, logger *zap.Logger) *Session {
	return &Session{
		cfg:     cfg,
		fetcher: fetcher,
		fix:     fix,
		spool:   sp,
		logger:  logger,
	}
}

// Run drives the session until the context is cancelled. It returns a
// non-nil error only on fatal conditions: settings unavailable after all
// retries, socket setup failure, or a dead receive path.
func (s *Session) Run(ctx context.Context) error {
	if err := s.fetchSettings(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	// The self-location sampler runs for the whole session lifetime,
	// independent of trigger traffic. Its interval is served from the
	// settings row, so it can only start now.
	sampler := NewSelfSampler(s.cfg, s.fix, s.spool, s.settings.LocationWriteival, s.logger)
	go sampler.Run(ctx)

	for {
		if ctx.Err() != nil {
			s.sendOffline()
			return nil
		}

		if err := s.refreshSettings(ctx); err != nil {
			s.logger.Warn("unable to refresh settings", zap.Error(err))
			s.sleep(ctx, s.settings.ServerRetryival)
			continue
		}

		if err := s.register(wire.ControlOnline); err != nil {
			s.logger.Warn("registration failed", zap.Error(err))
			s.sleep(ctx, s.settings.ServerRetryival)
			continue
		}
		registrationsTotal.Inc()

		socks, err := s.prepareSockets(ctx)
		if err != nil {
			return fmt.Errorf("prepare receive sockets: %w", err)
		}
		err = s.receive(ctx, socks)
		socks.close()

		switch {
		case errors.Is(err, errReceiveTimeout):
			// Normal session loss: back to registration.
		case err != nil:
			return err
		}
	}
}

// fetchSettings performs the initial settings read with retries; failure
// after the last attempt is fatal.
func (s *Session) fetchSettings(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= settingsFetchRetries; attempt++ {
		s.logger.Info("reading settings from database", zap.Int("try", attempt))
		if err := s.loadSettings(ctx); err != nil {
			lastErr = err
			s.logger.Warn("settings read failed", zap.Error(err))
			if attempt < settingsFetchRetries && !s.sleep(ctx, settingsFetchBackoff) {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("settings unavailable after %d attempts: %w", settingsFetchRetries, lastErr)
}

// refreshSettings re-reads the settings when they have gone stale.
func (s *Session) refreshSettings(ctx context.Context) error {
	if time.Since(s.settingsAt) < settingsRefreshAge {
		return nil
	}
	return s.loadSettings(ctx)
}

// loadSettings fetches the settings row and resolves the server host.
func (s *Session) loadSettings(ctx context.Context) error {
	settings, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	addr, err := net.ResolveIPAddr("ip4", settings.ServerHost)
	if err != nil {
		return fmt.Errorf("resolve server host %q: %w", settings.ServerHost, err)
	}

	s.settings = settings
	s.settingsAt = time.Now()
	s.serverIP = addr.IP
	s.logger.Info("settings loaded",
		zap.Uint16("ucast_port", settings.UcastPort),
		zap.Uint16("mcast_port", settings.McastPort),
		zap.Uint16("bcast_port", settings.BcastPort),
		zap.Bool("packet_validation", settings.PacketValidation),
		zap.String("server", fmt.Sprintf("%s:%d", addr.IP, settings.ServerCtlPort)),
		zap.Duration("retry_interval", settings.ServerRetryival))
	return nil
}

// register sends one control frame over a fresh TCP connection. The
// connection is closed right after the frame: the control channel is
// strictly one-frame.
func (s *Session) register(control uint16) error {
	frame, err := wire.EncodeCTL(wire.CTL{
		Control: control,
		UPort:   s.settings.UcastPort,
		MPort:   s.settings.McastPort,
		BPort:   s.settings.BcastPort,
		Name:    s.cfg.ClientName,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.serverIP, s.settings.ServerCtlPort)
	conn, err := net.DialTimeout("tcp", addr, registerTimeout)
	if err != nil {
		return fmt.Errorf("connect to control endpoint: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(registerTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send CTL frame: %w", err)
	}

	code := "online"
	if control == wire.ControlOffline {
		code = "offline"
	}
	s.logger.Info("sent CTL frame", zap.String("code", code), zap.String("server", addr))
	return nil
}

// sendOffline announces shutdown to the server, best effort.
func (s *Session) sendOffline() {
	if s.settings == nil {
		return
	}
	if err := s.register(wire.ControlOffline); err != nil {
		s.logger.Warn("unable to send OFFLINE status", zap.Error(err))
	}
}

// sleep waits the duration or until cancellation; false on cancellation.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
