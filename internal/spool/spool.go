// Package spool implements the client-side durable queue of telemetry rows
// pending upstream insert. The queue is a single SQLite file; a background
// drainer moves rows to the central database and deletes them locally on
// success, giving at-least-once upstream delivery.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `CREATE TABLE IF NOT EXISTS buffer(
uid INTEGER PRIMARY KEY,
client_name TEXT,
client_ip TEXT,
sender_ip TEXT,
gps_tsp REAL,
gps_lat REAL,
gps_lon REAL,
packet_type INTEGER)`

// Row is one spooled telemetry record.
type Row struct {
	UID        int64
	ClientName string
	ClientIP   string
	SenderIP   string
	GPSTsp     float64
	GPSLat     float64
	GPSLon     float64
	PacketType int
}

// UpstreamConn is an open connection to the central datastore.
type UpstreamConn interface {
	InsertData(ctx context.Context, row Row) error
	Close() error
}

// UpstreamOpener opens a fresh upstream connection per drain cycle.
type UpstreamOpener interface {
	Open(ctx context.Context) (UpstreamConn, error)
}

// Spool is the durable queue. All operations are serialised by an internal
// mutex so the insert paths and the drainer see single-writer semantics.
type Spool struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the spool file and its buffer table.
func Open(path string, logger *zap.Logger) (*Spool, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	// The pragma applies per connection; a single connection keeps it in
	// force and gives the file one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set spool durability: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buffer table: %w", err)
	}
	logger.Info("spool opened", zap.String("path", path))
	return &Spool{db: db, logger: logger}, nil
}

// Close closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Insert appends one row to the queue.
func (s *Spool) Insert(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO buffer VALUES(NULL,?,?,?,?,?,?,?)",
		row.ClientName, row.ClientIP, row.SenderIP,
		row.GPSTsp, row.GPSLat, row.GPSLon, row.PacketType)
	if err != nil {
		return fmt.Errorf("insert spool row: %w", err)
	}
	return nil
}

// Count reports the number of queued rows.
func (s *Spool) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM buffer").Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool rows: %w", err)
	}
	return n, nil
}

// DrainOnce moves queued rows upstream in ascending uid order. Each row is
// deleted locally right after its upstream insert succeeds; the first
// upstream failure stops the drain and preserves the remaining rows.
// Returns the number of rows delivered.
func (s *Spool) DrainOnce(ctx context.Context, up UpstreamConn) (int, error) {
	rows, err := s.snapshot()
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, row := range rows {
		if err := up.InsertData(ctx, row); err != nil {
			return drained, fmt.Errorf("drain row uid=%d: %w", row.UID, err)
		}
		if err := s.delete(row.UID); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

// snapshot reads all queued rows in uid order.
func (s *Spool) snapshot() ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT uid,client_name,client_ip,sender_ip,gps_tsp,gps_lat,gps_lon,packet_type " +
			"FROM buffer ORDER BY uid")
	if err != nil {
		return nil, fmt.Errorf("read spool rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.UID, &r.ClientName, &r.ClientIP, &r.SenderIP,
			&r.GPSTsp, &r.GPSLat, &r.GPSLon, &r.PacketType); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read spool rows: %w", err)
	}
	return out, nil
}

func (s *Spool) delete(uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM buffer WHERE uid=?", uid); err != nil {
		return fmt.Errorf("delete spool row uid=%d: %w", uid, err)
	}
	return nil
}
