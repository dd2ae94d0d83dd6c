package store

import (
	"context"
	"fmt"
	"time"

	"github.com/systemli/gpsfleet/internal/wire"
)

// Event type codes shared with the client data-packet codes in the
// event_type column of the data table.
type EventType int

const (
	EventManual    EventType = 0
	EventUnicast   EventType = 1
	EventBroadcast EventType = 2
	EventMulticast EventType = 3
	EventAck       EventType = 4
	EventOnline    EventType = 7
	EventOffline   EventType = 8
	EventTimeout   EventType = 9
)

func (e EventType) String() string {
	switch e {
	case EventManual:
		return "manual"
	case EventUnicast:
		return "unicast"
	case EventBroadcast:
		return "broadcast"
	case EventMulticast:
		return "multicast"
	case EventAck:
		return "ack"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventTimeout:
		return "timeout"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// EventWriter records server-side observable events in the events table.
type EventWriter struct {
	db    *DB
	table string

	// packetInterval is advertised in-band: on ONLINE events its
	// millisecond value is written to the client_lat column, which
	// downstream consumers read to learn the trigger cadence.
	packetInterval time.Duration
}

// NewEventWriter binds an event writer to its table.
func NewEventWriter(db *DB, table string, packetInterval time.Duration) *EventWriter {
	return &EventWriter{db: db, table: table, packetInterval: packetInterval}
}

// ControlEvent records an ONLINE, OFFLINE or TIMEOUT lifecycle event.
func (w *EventWriter) ControlEvent(ctx context.Context, name, addr string, event EventType) error {
	lat := ""
	if event == EventOnline {
		lat = fmt.Sprintf("%d", w.packetInterval.Milliseconds())
	}
	query := fmt.Sprintf(
		"INSERT INTO %s(client_name,client_ip,client_timestamp,client_lat,event_type) "+
			"VALUES($1,$2,$3,$4,$5)", w.table)
	_, err := w.db.db.ExecContext(ctx, query, name, addr, time.Now().Unix(), lat, int(event))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", event, err)
	}
	return nil
}

// AckEvent records a received acknowledgement with the fix it carried.
func (w *EventWriter) AckEvent(ctx context.Context, ack wire.ACK, addr string) error {
	query := fmt.Sprintf(
		"INSERT INTO %s(client_name,client_ip,client_timestamp,client_lat,client_long,event_type) "+
			"VALUES($1,$2,$3,$4,$5,$6)", w.table)
	_, err := w.db.db.ExecContext(ctx, query,
		ack.Name, addr, int64(ack.Tsp), ack.Latitude, ack.Longitude, int(EventAck))
	if err != nil {
		return fmt.Errorf("insert ack event: %w", err)
	}
	return nil
}
