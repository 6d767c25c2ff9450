// Package config loads the meshwire daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Daemon      DaemonConfig      `yaml:"daemon"`
	Network     NetworkConfig     `yaml:"network"`
	Replay      ReplayConfig      `yaml:"replay"`
	Codec       CodecConfig       `yaml:"codec"`
	KeyExchange KeyExchangeConfig `yaml:"keyexchange"`
	Persistence PersistenceConfig `yaml:"persistence"`
	NAT         NATConfig         `yaml:"nat"`
	Logging     LoggingConfig     `yaml:"logging"`
	Peers       []PeerConfig      `yaml:"peers"`
}

// PeerConfig statically declares one mesh peer: the minimal stand-in for
// a topology/signaling layer, enough to run a standalone daemon.
type PeerConfig struct {
	Name           string `yaml:"name"`
	Hostname       string `yaml:"hostname"`
	Address        string `yaml:"address"`         // "host:port", UDP
	ControlAddress string `yaml:"control_address"` // "host:port", TCP control channel to dial
	PresharedKey   string `yaml:"preshared_key"`   // hex; both sides derive session keys from it
	TCPOnly        bool   `yaml:"tcp_only"`
	PMTUDiscovery  bool   `yaml:"pmtu_discovery"`
	OutCompression int    `yaml:"out_compression"`
}

// DaemonConfig holds process-wide behavior flags.
type DaemonConfig struct {
	Name            string `yaml:"name"`                 // this node's name in the mesh
	ListenAddress   string `yaml:"listen_address"`       // local status/control API
	TunnelServer    bool   `yaml:"tunnel_server"`        // suppress broadcast relay
	OverwriteMAC    bool   `yaml:"overwrite_mac"`        // rewrite source MAC on local delivery
	PriorityInherit bool   `yaml:"priority_inheritance"` // mirror incoming TOS into outgoing sockets
	TCPOnly         bool   `yaml:"tcp_only"`             // force TCP for all traffic to/from this node
	LocalMAC        string `yaml:"local_mac"`
}

// NetworkConfig holds device and listener settings.
type NetworkConfig struct {
	TAPDevice  string `yaml:"tap_device"`
	LocalIP    string `yaml:"local_ip"`
	Netmask    string `yaml:"netmask"`
	ListenUDP  string `yaml:"listen_udp"`
	ListenTCP  string `yaml:"listen_tcp"`
	ListenQUIC string `yaml:"listen_quic"`
	ListenWS   string `yaml:"listen_websocket"`
	MaxMTU     int    `yaml:"max_mtu"`
}

// ReplayConfig controls the anti-replay window width.
type ReplayConfig struct {
	WindowBytes int `yaml:"window_bytes"` // W, default 32 (256-slot window)
}

// CodecConfig holds a default compression level, range-checked to 0-11 by
// Validate. The daemon does not apply it to peers: each peer's level comes
// from its own peers[].out_compression entry.
type CodecConfig struct {
	DefaultLevel int `yaml:"default_level"`
}

// KeyExchangeConfig holds the key-exchange settings. Mode is defaulted and
// validated only; the daemon runs no handshake and derives session keys
// from each peer's preshared key. RotationInterval sets the key lifetime.
type KeyExchangeConfig struct {
	Mode             string        `yaml:"mode"` // "classical" or "hybrid"
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// PersistenceConfig controls the session checkpoint backends.
type PersistenceConfig struct {
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig holds Redis cache settings.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig holds durable peer/session store settings.
type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// NATConfig controls bootstrap address discovery.
type NATConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads and validates a YAML config file, applying defaults for any
// unset optional field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Network.MaxMTU == 0 {
		c.Network.MaxMTU = 1500
	}
	if c.Replay.WindowBytes == 0 {
		c.Replay.WindowBytes = 32
	}
	if c.KeyExchange.Mode == "" {
		c.KeyExchange.Mode = "hybrid"
	}
	if c.KeyExchange.RotationInterval == 0 {
		c.KeyExchange.RotationInterval = time.Hour
	}
	if c.Persistence.Redis.TTL == 0 {
		c.Persistence.Redis.TTL = 5 * time.Minute
	}
	if c.Persistence.Postgres.Enabled {
		if c.Persistence.Postgres.Host == "" {
			c.Persistence.Postgres.Host = "localhost"
		}
		if c.Persistence.Postgres.Port == 0 {
			c.Persistence.Postgres.Port = 5432
		}
		if c.Persistence.Postgres.SSLMode == "" {
			c.Persistence.Postgres.SSLMode = "disable"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Daemon.ListenAddress == "" {
		c.Daemon.ListenAddress = "/var/run/meshwire/meshd.sock"
	}
	if c.Daemon.Name == "" {
		c.Daemon.Name, _ = os.Hostname()
	}
	if len(c.NAT.STUNServers) == 0 {
		c.NAT.STUNServers = []string{"stun.l.google.com:19302"}
	}
}

func (c *Config) validate() error {
	if c.Codec.DefaultLevel < 0 || c.Codec.DefaultLevel > 11 {
		return fmt.Errorf("codec.default_level must be 0..11, got %d", c.Codec.DefaultLevel)
	}
	if c.KeyExchange.Mode != "classical" && c.KeyExchange.Mode != "hybrid" {
		return fmt.Errorf("keyexchange.mode must be classical or hybrid, got %q", c.KeyExchange.Mode)
	}
	return nil
}
