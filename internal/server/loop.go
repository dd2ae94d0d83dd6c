package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/store"
	"github.com/systemli/gpsfleet/internal/wire"
)

const (
	// tickInterval bounds the lateness of periodic triggers and prunes.
	tickInterval = time.Second
	// ctlReadTimeout bounds how long a control connection may dribble in
	// its single 28-byte frame.
	ctlReadTimeout = 30 * time.Second
)

// EventStore records the server's observable events.
type EventStore interface {
	ControlEvent(ctx context.Context, name, addr string, event store.EventType) error
	AckEvent(ctx context.Context, ack wire.ACK, addr string) error
}

// ctlEvent is a validated control frame with its TCP peer address.
type ctlEvent struct {
	ctl  wire.CTL
	peer net.IP
}

// ackEvent is a raw datagram read from a sink's socket.
type ackEvent struct {
	name string
	data []byte
	src  *net.UDPAddr
}

// Loop is the dispatch core. Control connections and sink sockets are
// read by their own goroutines; every state change funnels through the
// dispatcher goroutine in Run, which owns the session table.
type Loop struct {
	cfg    *config.Server
	events EventStore
	logger *zap.Logger

	table    *Table
	listener net.Listener
	ctlCh    chan ctlEvent
	ackCh    chan ackEvent
}

// New creates a dispatch loop. Call Listen before Run.
func New(cfg *config.Server, events EventStore, logger *zap.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		events: events,
		logger: logger,
		table:  NewTable(),
		ctlCh:  make(chan ctlEvent),
		ackCh:  make(chan ackEvent, 16),
	}
}

// Listen binds the control listener and returns its address.
func (l *Loop) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", l.cfg.ControlPort))
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	l.listener = ln
	l.logger.Info("control socket created", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Run accepts registrations and dispatches triggers until the context is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.listener == nil {
		if _, err := l.Listen(); err != nil {
			return err
		}
	}

	go l.acceptLoop(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.listener.Close()
			for _, sink := range l.table.All() {
				sink.close()
				l.table.Remove(sink.Name)
			}
			l.logger.Info("dispatch loop stopped")
			return nil
		case ev := <-l.ctlCh:
			l.handleControl(ctx, ev)
		case ev := <-l.ackCh:
			l.handleAck(ctx, ev)
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// acceptLoop hands each control connection to its own reader goroutine.
func (l *Loop) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		l.logger.Info("control connection", zap.String("addr", conn.RemoteAddr().String()))
		go l.readControl(ctx, conn)
	}
}

// readControl reads the single control frame a connection is allowed to
// carry, validates it and forwards it to the dispatcher. The connection
// is disposed either way.
func (l *Loop) readControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(ctlReadTimeout))
	buf := make([]byte, wire.CTLSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			l.logger.Warn("control connection closed early", zap.String("addr", peer.IP.String()))
		} else {
			l.logger.Warn("control read failed", zap.String("addr", peer.IP.String()), zap.Error(err))
		}
		return
	}

	if verdict := wire.ValidateCTL(buf); verdict != wire.OK {
		ctlFramesTotal.WithLabelValues("invalid").Inc()
		l.logger.Warn("invalid CTL frame",
			zap.String("verdict", verdict.String()),
			zap.String("addr", peer.IP.String()))
		return
	}
	ctl, err := wire.DecodeCTL(buf)
	if err != nil {
		return
	}

	select {
	case l.ctlCh <- ctlEvent{ctl: ctl, peer: peer.IP}:
	case <-ctx.Done():
	}
}

// handleControl applies one validated control frame to the session table.
func (l *Loop) handleControl(ctx context.Context, ev ctlEvent) {
	addr := ev.peer.String()
	code := "online"
	if ev.ctl.Control == wire.ControlOffline {
		code = "offline"
	}
	l.logger.Info("received CTL frame",
		zap.String("code", code),
		zap.String("client", ev.ctl.Name),
		zap.String("addr", addr))
	ctlFramesTotal.WithLabelValues(code).Inc()

	existing := l.table.Lookup(ev.ctl.Name)
	if existing != nil && ev.ctl.Control == wire.ControlOnline {
		// Duplicate registration: reject without an event row.
		l.logger.Warn("client is already online", zap.String("client", ev.ctl.Name))
		duplicateOnlineTotal.Inc()
		return
	}

	var event store.EventType
	switch ev.ctl.Control {
	case wire.ControlOffline:
		if existing != nil {
			existing.close()
			l.table.Remove(existing.Name)
			onlineSinks.Set(float64(l.table.Len()))
		}
		event = store.EventOffline
	case wire.ControlOnline:
		if err := l.createSink(ctx, ev); err != nil {
			l.logger.Error("unable to create sink", zap.String("client", ev.ctl.Name), zap.Error(err))
			return
		}
		onlineSinks.Set(float64(l.table.Len()))
		event = store.EventOnline
	}

	if err := l.events.ControlEvent(ctx, ev.ctl.Name, addr, event); err != nil {
		eventInsertFailures.Inc()
		l.logger.Error("unable to record control event", zap.Error(err))
	}
}

// createSink allocates the per-client UDP socket and starts its
// acknowledgement reader.
func (l *Loop) createSink(ctx context.Context, ev ctlEvent) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("create sink socket: %w", err)
	}

	sinkCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	sink := &Sink{
		Name:        ev.ctl.Name,
		Peer:        ev.peer,
		Ctl:         ev.ctl,
		conn:        conn,
		cancel:      cancel,
		lastTrigger: now,
		lastAck:     now,
	}
	l.table.Add(sink)
	go l.readAcks(sinkCtx, sink)
	return nil
}

// readAcks reads acknowledgement datagrams from one sink socket and
// forwards them to the dispatcher.
func (l *Loop) readAcks(ctx context.Context, sink *Sink) {
	buf := make([]byte, 2048)
	for {
		n, src, err := sink.conn.ReadFromUDP(buf)
		if err != nil {
			// The socket is closed when the sink is pruned or goes
			// offline; anything else is a transient read failure.
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("ack read failed", zap.String("client", sink.Name), zap.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case l.ackCh <- ackEvent{name: sink.Name, data: data, src: src}:
		case <-ctx.Done():
			return
		}
	}
}

// handleAck validates one acknowledgement datagram and records it.
func (l *Loop) handleAck(ctx context.Context, ev ackEvent) {
	sink := l.table.Lookup(ev.name)
	if sink == nil {
		return
	}
	addr := ev.src.IP.String()

	if verdict := wire.ValidateACK(ev.data); verdict != wire.OK {
		invalidAcksTotal.Inc()
		l.logger.Warn("invalid ACK frame",
			zap.String("verdict", verdict.String()),
			zap.String("client", sink.Name),
			zap.String("addr", addr))
		return
	}
	ack, err := wire.DecodeACK(ev.data)
	if err != nil {
		return
	}

	sink.LastAck = ack
	sink.lastAck = time.Now()
	acksReceivedTotal.Inc()
	l.logger.Info("received ACK frame",
		zap.String("client", ack.Name),
		zap.String("lat", ack.Latitude),
		zap.String("lon", ack.Longitude),
		zap.Uint32("tsp", ack.Tsp),
		zap.String("addr", addr))

	if err := l.events.AckEvent(ctx, ack, addr); err != nil {
		eventInsertFailures.Inc()
		l.logger.Error("unable to record ack event", zap.Error(err))
	}
}

// tick dispatches due triggers and prunes silent clients.
func (l *Loop) tick(ctx context.Context) {
	now := time.Now()
	for _, sink := range l.table.All() {
		if now.Sub(sink.lastTrigger) >= l.cfg.PacketInterval {
			l.sendTriggers(sink)
			sink.lastTrigger = now
		}
		if silence := now.Sub(sink.lastAck); silence >= l.cfg.PruneInterval {
			l.prune(ctx, sink, silence)
		}
	}
}

// prune destroys a sink that has gone silent and records the timeout.
func (l *Loop) prune(ctx context.Context, sink *Sink, silence time.Duration) {
	l.logger.Info("ACK timeout, pruning client",
		zap.String("client", sink.Name),
		zap.String("addr", sink.Peer.String()),
		zap.Duration("silence", silence))
	pruneTotal.Inc()

	sink.close()
	l.table.Remove(sink.Name)
	onlineSinks.Set(float64(l.table.Len()))

	if err := l.events.ControlEvent(ctx, sink.Name, sink.Peer.String(), store.EventTimeout); err != nil {
		eventInsertFailures.Inc()
		l.logger.Error("unable to record timeout event", zap.Error(err))
	}
}
