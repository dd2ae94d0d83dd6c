package config

import "time"

// Client holds the gpsclient configuration. The receive ports, trigger
// cadence and server address are not here: those are per-client parameters
// served by the central database (store.ClientSettings).
type Client struct {
	ClientName string
	// ClientAddr is the local bind address for the receive sockets.
	// "0.0.0.0" means any interface.
	ClientAddr         string
	MulticastGroupAddr string

	GPSDAddr string
	GPSDPort uint16

	DBAddr      string
	DBPort      uint16
	DBName      string
	DBUser      string
	DBPasswd    string
	DBTableCfg  string
	DBTableData string

	BufferFile     string
	BufferInterval time.Duration

	MetricsAddr string
}

func defaultClient() *Client {
	return &Client{
		ClientName:         "client-name",
		ClientAddr:         "0.0.0.0",
		MulticastGroupAddr: "224.0.0.1",
		GPSDAddr:           "127.0.0.1",
		GPSDPort:           2947,
		DBAddr:             "127.0.0.1",
		DBPort:             5432,
		DBName:             "db-name",
		DBUser:             "db-user",
		DBPasswd:           "db-passwd",
		DBTableCfg:         "dbtablecfg",
		DBTableData:        "dbtabledata",
		BufferFile:         "/tmp/gpsclient.db",
		BufferInterval:     10 * time.Second,
	}
}

// ReadClient loads a gpsclient config file on top of the defaults.
func ReadClient(path string) (*Client, error) {
	cfg := defaultClient()
	err := parseFile(path, func(key, value string) {
		switch key {
		case "client-name":
			cfg.ClientName = value
		case "client-addr":
			cfg.ClientAddr = value
		case "multicast-group-addr":
			cfg.MulticastGroupAddr = value
		case "gpsd-addr":
			cfg.GPSDAddr = value
		case "gpsd-port":
			cfg.GPSDPort = parsePort(value)
		case "db-addr":
			cfg.DBAddr = value
		case "db-port":
			cfg.DBPort = parsePort(value)
		case "db-name":
			cfg.DBName = value
		case "db-user":
			cfg.DBUser = value
		case "db-passwd":
			cfg.DBPasswd = value
		case "db-tablecfg":
			cfg.DBTableCfg = value
		case "db-tabledata":
			cfg.DBTableData = value
		case "buffer-file":
			cfg.BufferFile = value
		case "buffer-interval":
			// Spool drain cadence, seconds. A 10 second floor keeps
			// reconnect traffic bounded.
			ival := parseInt(value)
			if ival < 10 {
				ival = 10
			}
			cfg.BufferInterval = time.Duration(ival) * time.Second
		case "metrics-addr":
			cfg.MetricsAddr = value
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
