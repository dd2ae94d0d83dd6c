package client

import (
	"context"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/spool"
	"github.com/systemli/gpsfleet/internal/store"
)

// Upstream opens a fresh connection to the central database for every
// drain cycle.
type Upstream struct {
	cfg   store.Config
	table string
}

// NewUpstream builds the drainer's upstream from the client config.
func NewUpstream(cfg *config.Client) *Upstream {
	return &Upstream{
		cfg: store.Config{
			Host:     cfg.DBAddr,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPasswd,
		},
		table: cfg.DBTableData,
	}
}

// Open connects to the central database.
func (u *Upstream) Open(ctx context.Context) (spool.UpstreamConn, error) {
	db, err := store.Open(ctx, u.cfg)
	if err != nil {
		return nil, err
	}
	return &upstreamConn{db: db, table: u.table}, nil
}

type upstreamConn struct {
	db    *store.DB
	table string
}

func (c *upstreamConn) InsertData(ctx context.Context, row spool.Row) error {
	return c.db.InsertData(ctx, c.table, store.DataRow{
		ClientName: row.ClientName,
		ClientIP:   row.ClientIP,
		SenderIP:   row.SenderIP,
		Tsp:        row.GPSTsp,
		Lat:        row.GPSLat,
		Lon:        row.GPSLon,
		PacketType: row.PacketType,
	})
}

func (c *upstreamConn) Close() error {
	return c.db.Close()
}

// DBSettings fetches the per-client settings row over a fresh connection
// per call.
type DBSettings struct {
	cfg   store.Config
	table string
	name  string
}

// NewDBSettings builds the settings fetcher from the client config.
func NewDBSettings(cfg *config.Client) *DBSettings {
	return &DBSettings{
		cfg: store.Config{
			Host:     cfg.DBAddr,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPasswd,
		},
		table: cfg.DBTableCfg,
		name:  cfg.ClientName,
	}
}

// Fetch implements SettingsFetcher.
func (f *DBSettings) Fetch(ctx context.Context) (*store.ClientSettings, error) {
	db, err := store.Open(ctx, f.cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.FetchClientSettings(ctx, f.table, f.name)
}
