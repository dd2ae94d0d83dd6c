package config

import "time"

// Server holds the gpsserver configuration.
type Server struct {
	ControlPort uint16

	UnicastEnable   bool
	UnicastPort     uint16
	BroadcastEnable bool
	BroadcastPort   uint16
	MulticastEnable bool
	MulticastPort   uint16

	// ClientPortEnable selects the client-declared ports from the CTL
	// frame as trigger destinations instead of the server-wide ports.
	ClientPortEnable bool

	PacketInterval time.Duration
	PruneInterval  time.Duration

	DBHost   string
	DBPort   uint16
	DBName   string
	DBUser   string
	DBPasswd string
	DBTable  string

	LogfilePath     string
	PidfilePath     string
	DaemonizeEnable bool
	MetricsAddr     string
}

// defaultServer holds the documented defaults.
func defaultServer() *Server {
	return &Server{
		ControlPort:     5000,
		UnicastEnable:   true,
		UnicastPort:     6000,
		MulticastEnable: true,
		MulticastPort:   6001,
		BroadcastEnable: true,
		BroadcastPort:   6002,
		PacketInterval:  5000 * time.Millisecond,
		PruneInterval:   5000 * time.Millisecond,
		DBHost:          "127.0.0.1",
		DBPort:          5432,
		DBName:          "db-name",
		DBUser:          "db-user",
		DBPasswd:        "db-passwd",
		DBTable:         "db-table",
		LogfilePath:     "/tmp/gpsserver.log",
		PidfilePath:     "/tmp/gpsserver.pid",
	}
}

// ReadServer loads a gpsserver config file on top of the defaults.
func ReadServer(path string) (*Server, error) {
	cfg := defaultServer()
	err := parseFile(path, func(key, value string) {
		switch key {
		case "control-port":
			cfg.ControlPort = parsePort(value)
		case "unicast-enable":
			cfg.UnicastEnable = parseBool(value)
		case "unicast-port":
			cfg.UnicastPort = parsePort(value)
		case "broadcast-enable":
			cfg.BroadcastEnable = parseBool(value)
		case "broadcast-port":
			cfg.BroadcastPort = parsePort(value)
		case "multicast-enable":
			cfg.MulticastEnable = parseBool(value)
		case "multicast-port":
			cfg.MulticastPort = parsePort(value)
		case "clientport-enable":
			cfg.ClientPortEnable = parseBool(value)
		case "packet-interval":
			cfg.PacketInterval = time.Duration(parseInt(value)) * time.Millisecond
		case "prune-interval":
			cfg.PruneInterval = time.Duration(parseInt(value)) * time.Millisecond
		case "db-host":
			cfg.DBHost = value
		case "db-port":
			cfg.DBPort = parsePort(value)
		case "db-name":
			cfg.DBName = value
		case "db-user":
			cfg.DBUser = value
		case "db-passwd":
			cfg.DBPasswd = value
		case "db-table":
			cfg.DBTable = value
		case "logfile-path":
			cfg.LogfilePath = value
		case "pidfile-path":
			cfg.PidfilePath = value
		case "daemonize-enable":
			cfg.DaemonizeEnable = parseBool(value)
		case "metrics-addr":
			cfg.MetricsAddr = value
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
