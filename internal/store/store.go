// Package store provides access to the central PostgreSQL datastore: the
// per-client configuration table read by clients, and the events table
// written by both daemons.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// connectTimeout bounds the initial connection handshake.
const connectTimeout = 3

// Config describes how to reach the central database.
type Config struct {
	Host     string
	Port     uint16
	Name     string
	User     string
	Password string
}

// ErrNotFound is returned when a client has no configuration row.
var ErrNotFound = errors.New("store: client not found")

// DB wraps a live connection to the central database.
type DB struct {
	db *sql.DB
}

func dsn(cfg Config) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, connectTimeout)
}

// Open connects to the central database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// DataRow is one telemetry record in the shared data table.
type DataRow struct {
	ClientName string
	ClientIP   string
	SenderIP   string
	Tsp        float64 // fix time, unix seconds
	Lat        float64
	Lon        float64
	PacketType int // 0 self-sample, 1 unicast, 2 multicast, 3 broadcast
}

// InsertData writes one telemetry row. Coordinates are stored as the same
// "%f" strings the clients put on the wire.
func (d *DB) InsertData(ctx context.Context, table string, row DataRow) error {
	query := fmt.Sprintf(
		"INSERT INTO %s(client_name,client_ip,sender_ip,client_timestamp,client_lat,client_long,event_type) "+
			"VALUES($1,$2,$3,$4,$5,$6,$7)", table)
	_, err := d.db.ExecContext(ctx, query,
		row.ClientName, row.ClientIP, row.SenderIP, int64(row.Tsp),
		fmt.Sprintf("%f", row.Lat), fmt.Sprintf("%f", row.Lon), row.PacketType)
	if err != nil {
		return fmt.Errorf("insert data row: %w", err)
	}
	return nil
}

// ClientSettings is the per-client parameter row served to clients.
type ClientSettings struct {
	Name              string
	UcastPort         uint16
	McastPort         uint16
	McastGroup        string
	BcastPort         uint16
	PacketValidation  bool
	LocationWriteival time.Duration
	ServerHost        string
	ServerCtlPort     uint16
	ServerRetryival   time.Duration
}

// FetchClientSettings reads the configuration row for the named client.
// Columns are positional, matching the deployed table layout.
func (d *DB) FetchClientSettings(ctx context.Context, table, name string) (*ClientSettings, error) {
	query := fmt.Sprintf(
		"SELECT name,ucast_port,mcast_port,mcast_group,bcast_port,packet_validation,"+
			"location_writeival,server_host,server_ctlport,server_retryival "+
			"FROM %s WHERE name=$1", table)

	var (
		cs                           ClientSettings
		ucast, mcast, bcast, ctlport int
		validation                   int
		writeival, retryival         int
	)
	err := d.db.QueryRowContext(ctx, query, name).Scan(
		&cs.Name, &ucast, &mcast, &cs.McastGroup, &bcast, &validation,
		&writeival, &cs.ServerHost, &ctlport, &retryival)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch client settings: %w", err)
	}
	cs.UcastPort = uint16(ucast)
	cs.McastPort = uint16(mcast)
	cs.BcastPort = uint16(bcast)
	cs.ServerCtlPort = uint16(ctlport)
	cs.PacketValidation = validation != 0
	cs.LocationWriteival = time.Duration(writeival) * time.Millisecond
	cs.ServerRetryival = time.Duration(retryival) * time.Millisecond
	return &cs, nil
}
