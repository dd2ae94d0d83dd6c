package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/gps"
	"github.com/systemli/gpsfleet/internal/spool"
	"github.com/systemli/gpsfleet/internal/wire"
)

// receiveTick bounds how late a receive-timeout can be noticed.
const receiveTick = time.Second

// datagram is one raw trigger candidate with its receive context.
type datagram struct {
	packetType int
	data       []byte
	src        *net.UDPAddr
	sock       *net.UDPConn
}

func modeName(packetType int) string {
	switch packetType {
	case packetUnicast:
		return "ucast"
	case packetMulticast:
		return "mcast"
	case packetBroadcast:
		return "bcast"
	}
	return "manual"
}

// receive dispatches inbound datagrams until the trigger stream goes
// silent for the server retry interval (errReceiveTimeout) or the context
// is cancelled (nil).
func (s *Session) receive(ctx context.Context, socks *sockets) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan datagram, 16)
	go s.readSocket(rctx, socks.ucast, packetUnicast, ch)
	go s.readSocket(rctx, socks.mcast, packetMulticast, ch)
	go s.readSocket(rctx, socks.bcast, packetBroadcast, ch)

	ticker := time.NewTicker(receiveTick)
	defer ticker.Stop()

	lastTrigger := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(lastTrigger) >= s.settings.ServerRetryival {
				s.logger.Info("trigger receive timeout, re-registering")
				receiveTimeoutsTotal.Inc()
				return errReceiveTimeout
			}
		case d := <-ch:
			fix, ok := s.handleDatagram(d)
			if !ok {
				continue
			}
			// Only the acknowledged unicast path proves the server
			// still reaches this client, so only it feeds the
			// receive-timeout clock.
			if d.packetType == packetUnicast {
				s.reply(d, fix)
				lastTrigger = time.Now()
			}
		}
	}
}

// readSocket forwards datagrams from one listener to the dispatcher.
func (s *Session) readSocket(ctx context.Context, conn *net.UDPConn, packetType int, ch chan<- datagram) {
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("receive failed", zap.String("mode", modeName(packetType)), zap.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case ch <- datagram{packetType: packetType, data: data, src: src, sock: conn}:
		case <-ctx.Done():
			return
		}
	}
}

// handleDatagram validates one trigger, samples the current fix and
// spools the resulting row. It returns the sampled fix and whether the
// datagram was fully processed.
func (s *Session) handleDatagram(d datagram) (gps.Fix, bool) {
	mode := modeName(d.packetType)

	if len(d.data) != wire.TGRSize {
		s.logger.Warn("invalid TGR frame length",
			zap.String("mode", mode), zap.Int("length", len(d.data)))
		droppedTriggersTotal.WithLabelValues(mode, "length").Inc()
		return gps.Fix{}, false
	}

	if s.settings.PacketValidation {
		if verdict := wire.ValidateTGR(d.data); verdict != wire.OK {
			s.logger.Warn("invalid TGR frame",
				zap.String("mode", mode),
				zap.String("verdict", verdict.String()),
				zap.String("addr", d.src.IP.String()))
			droppedTriggersTotal.WithLabelValues(mode, verdict.String()).Inc()
			return gps.Fix{}, false
		}
	}

	s.logger.Info("received TGR frame",
		zap.String("mode", mode), zap.String("addr", d.src.IP.String()))
	triggersReceivedTotal.WithLabelValues(mode).Inc()

	fix, ok := s.fix.ReadFix()
	if !ok {
		s.logger.Warn("no usable fix from gpsd",
			zap.String("mode", mode), zap.String("addr", d.src.IP.String()))
		droppedTriggersTotal.WithLabelValues(mode, "no-fix").Inc()
		return gps.Fix{}, false
	}

	row := spool.Row{
		ClientName: s.cfg.ClientName,
		ClientIP:   s.cfg.ClientAddr,
		SenderIP:   d.src.IP.String(),
		GPSTsp:     fix.Time,
		GPSLat:     fix.Lat,
		GPSLon:     fix.Lon,
		PacketType: d.packetType,
	}
	if err := s.spool.Insert(row); err != nil {
		s.logger.Warn("unable to spool trigger row", zap.Error(err))
	}
	return fix, true
}

// reply acknowledges a unicast trigger to its exact source address with
// the fix that was just spooled.
func (s *Session) reply(d datagram, fix gps.Fix) {
	frame, err := wire.EncodeACK(wire.ACK{
		Name:      s.cfg.ClientName,
		Latitude:  fmt.Sprintf("%f", fix.Lat),
		Longitude: fmt.Sprintf("%f", fix.Lon),
		Tsp:       uint32(fix.Time),
	})
	if err != nil {
		s.logger.Warn("unable to encode ACK frame", zap.Error(err))
		return
	}
	if _, err := d.sock.WriteToUDP(frame, d.src); err != nil {
		s.logger.Warn("ACK send failed", zap.String("addr", d.src.String()), zap.Error(err))
		return
	}
	acksSentTotal.Inc()
	s.logger.Info("sent ACK frame",
		zap.String("lat", fmt.Sprintf("%f", fix.Lat)),
		zap.String("lon", fmt.Sprintf("%f", fix.Lon)),
		zap.String("addr", d.src.String()))
}
