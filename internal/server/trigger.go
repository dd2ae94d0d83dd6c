package server

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/wire"
)

// sendTriggers emits one trigger per enabled delivery mode to the sink's
// client. Unicast leaves from the sink's own socket so the client can ACK
// straight back to it; multicast and broadcast use ephemeral sockets.
// Send errors are logged and the sink survives until the prune interval.
func (l *Loop) sendTriggers(sink *Sink) {
	frame := wire.EncodeTGR(wire.TGR{Tsp: uint32(time.Now().Unix())})

	if l.cfg.UnicastEnable {
		port := l.cfg.UnicastPort
		if l.cfg.ClientPortEnable {
			port = sink.Ctl.UPort
		}
		dst := &net.UDPAddr{IP: sink.Peer, Port: int(port)}
		if _, err := sink.conn.WriteToUDP(frame, dst); err != nil {
			l.logger.Warn("trigger send failed",
				zap.String("mode", "ucast"),
				zap.String("client", sink.Name),
				zap.Error(err))
		} else {
			triggersSentTotal.WithLabelValues("ucast").Inc()
			l.logger.Info("sent TGR frame",
				zap.String("mode", "ucast"),
				zap.String("client", sink.Name),
				zap.String("addr", dst.String()))
		}
	}

	if l.cfg.MulticastEnable {
		port := l.cfg.MulticastPort
		if l.cfg.ClientPortEnable {
			port = sink.Ctl.MPort
		}
		l.sendEphemeral(sink, frame, port, "mcast")
	}

	if l.cfg.BroadcastEnable {
		port := l.cfg.BroadcastPort
		if l.cfg.ClientPortEnable {
			port = sink.Ctl.BPort
		}
		// The net package enables SO_BROADCAST on UDP sockets.
		l.sendEphemeral(sink, frame, port, "bcast")
	}
}

// sendEphemeral sends one trigger from a throwaway socket to the sink's
// peer address at the given port.
func (l *Loop) sendEphemeral(sink *Sink, frame []byte, port uint16, mode string) {
	dst := &net.UDPAddr{IP: sink.Peer, Port: int(port)}
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		l.logger.Warn("trigger socket failed",
			zap.String("mode", mode),
			zap.String("client", sink.Name),
			zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		l.logger.Warn("trigger send failed",
			zap.String("mode", mode),
			zap.String("client", sink.Name),
			zap.Error(err))
		return
	}
	triggersSentTotal.WithLabelValues(mode).Inc()
	l.logger.Info("sent TGR frame",
		zap.String("mode", mode),
		zap.String("client", sink.Name),
		zap.String("addr", dst.String()))
}
