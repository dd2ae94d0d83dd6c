// Package server implements the gpsserver control-and-dispatch core: the
// TCP control endpoint, the per-client trigger sinks, periodic trigger
// dispatch and liveness pruning.
package server

import (
	"context"
	"net"
	"time"

	"github.com/systemli/gpsfleet/internal/wire"
)

// Sink is the per-client state created on a successful ONLINE control
// frame. It owns the UDP socket that unicast triggers leave from and
// acknowledgements arrive on.
type Sink struct {
	Name string
	Peer net.IP
	Ctl  wire.CTL
	// LastAck is the last acknowledgement frame received from the client.
	LastAck wire.ACK

	conn   *net.UDPConn
	cancel context.CancelFunc

	lastTrigger time.Time
	lastAck     time.Time
}

// close stops the acknowledgement reader and releases the socket.
func (s *Sink) close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Table holds the active sinks keyed by client name. It enforces the
// one-active-sink-per-name invariant and is owned exclusively by the
// dispatcher goroutine, so it needs no locking.
type Table struct {
	sinks map[string]*Sink
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sinks: make(map[string]*Sink)}
}

// Lookup returns the active sink for a client name, or nil.
func (t *Table) Lookup(name string) *Sink {
	return t.sinks[name]
}

// Add registers a sink. The caller must have checked for duplicates.
func (t *Table) Add(s *Sink) {
	t.sinks[s.Name] = s
}

// Remove drops a sink from the table and returns it, or nil.
func (t *Table) Remove(name string) *Sink {
	s := t.sinks[name]
	delete(t.sinks, name)
	return s
}

// All returns the active sinks in no particular order.
func (t *Table) All() []*Sink {
	out := make([]*Sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		out = append(out, s)
	}
	return out
}

// Len reports the number of active sinks.
func (t *Table) Len() int {
	return len(t.sinks)
}
