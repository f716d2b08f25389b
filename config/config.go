// Package config loads the gridsync configuration: defaults, then an
// optional YAML file, then GRIDSYNC_* environment variables, then
// validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GRIDSYNC_"

type Config struct {
	Listen    string `yaml:"listen" env:"LISTEN"`
	MaxConns  int    `yaml:"max_conns" env:"MAX_CONNS"`
	DBPath    string `yaml:"db_path" env:"DB_PATH"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Grid      GridConfig      `yaml:"grid" envPrefix:"GRID_"`
	Replay    ReplayConfig    `yaml:"replay" envPrefix:"REPLAY_"`
	Admission AdmissionConfig `yaml:"admission" envPrefix:"ADMISSION_"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envPrefix:"HEARTBEAT_"`
	Broadcast BroadcastConfig `yaml:"broadcast" envPrefix:"BROADCAST_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"GATEWAY_"`
	Admin     AdminConfig     `yaml:"admin" envPrefix:"ADMIN_"`

	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
}

type GridConfig struct {
	Width  int `yaml:"width" env:"WIDTH"`
	Height int `yaml:"height" env:"HEIGHT"`
	// Palette lists allowed colors as hex ("#ff0000" or "ff0000"). Empty
	// allows any 24-bit color.
	Palette          []string      `yaml:"palette" env:"PALETTE" envSeparator:","`
	LogCeiling       int           `yaml:"log_ceiling" env:"LOG_CEILING"`
	LogRetain        int           `yaml:"log_retain" env:"LOG_RETAIN"`
	TruncateEvery    int           `yaml:"truncate_every" env:"TRUNCATE_EVERY"`
	TruncateInterval time.Duration `yaml:"truncate_interval" env:"TRUNCATE_INTERVAL"`
	StatsTTL         time.Duration `yaml:"stats_ttl" env:"STATS_TTL"`
}

type ReplayConfig struct {
	Window        time.Duration `yaml:"window" env:"WINDOW"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	Backend       string        `yaml:"backend" env:"BACKEND"` // local | sqlite | redis
	SQLitePath    string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	FailClosed    bool          `yaml:"fail_closed" env:"FAIL_CLOSED"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type AdmissionConfig struct {
	PerSource  int  `yaml:"per_source" env:"PER_SOURCE"`
	Global     int  `yaml:"global" env:"GLOBAL"`
	TrustProxy bool `yaml:"trust_proxy" env:"TRUST_PROXY"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Grace    time.Duration `yaml:"grace" env:"GRACE"`
}

type BroadcastConfig struct {
	Backend      string   `yaml:"backend" env:"BACKEND"` // none | redis | quic
	RedisChannel string   `yaml:"redis_channel" env:"REDIS_CHANNEL"`
	QUICListen   string   `yaml:"quic_listen" env:"QUIC_LISTEN"`
	QUICPeers    []string `yaml:"quic_peers" env:"QUIC_PEERS" envSeparator:","`
	QUICCert     string   `yaml:"quic_cert" env:"QUIC_CERT"`
	QUICKey      string   `yaml:"quic_key" env:"QUIC_KEY"`
}

type AuthConfig struct {
	TokenSecret       string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	TokenTTL          time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	Issuer            string        `yaml:"issuer" env:"ISSUER"`
	AdminPasswordHash string        `yaml:"admin_password_hash" env:"ADMIN_PASSWORD_HASH"`
	// AdminIdentities are handshake identities granted the admin role.
	AdminIdentities []string `yaml:"admin_identities" env:"ADMIN_IDENTITIES" envSeparator:","`
	// RequireToken rejects websocket connections without a valid token.
	RequireToken bool `yaml:"require_token" env:"REQUIRE_TOKEN"`
}

// AdminConfig enables the MCP-over-QUIC admin listener. Empty MCPQUICListen
// disables it; empty cert and key use an ephemeral self-signed certificate.
type AdminConfig struct {
	MCPQUICListen string `yaml:"mcp_quic_listen" env:"MCP_QUIC_LISTEN"`
	MCPQUICCert   string `yaml:"mcp_quic_cert" env:"MCP_QUIC_CERT"`
	MCPQUICKey    string `yaml:"mcp_quic_key" env:"MCP_QUIC_KEY"`
}

type GatewayConfig struct {
	PlaceRate       float64       `yaml:"place_rate" env:"PLACE_RATE"`
	PlaceBurst      int           `yaml:"place_burst" env:"PLACE_BURST"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	SendBuffer      int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    ":8085",
		MaxConns:  20000,
		DBPath:    "data/gridsync.db",
		LogLevel:  "info",
		LogFormat: "json",
		Grid: GridConfig{
			Width:            1000,
			Height:           1000,
			LogCeiling:       1_000_000,
			LogRetain:        900_000,
			TruncateEvery:    1000,
			TruncateInterval: time.Minute,
			StatsTTL:         5 * time.Second,
		},
		Replay: ReplayConfig{
			Window:        5 * time.Minute,
			TTL:           10 * time.Minute,
			Backend:       "local",
			SQLitePath:    "data/replay.db",
			ProbeInterval: 15 * time.Second,
			SweepInterval: time.Minute,
		},
		Admission: AdmissionConfig{PerSource: 8, Global: 10000},
		Heartbeat: HeartbeatConfig{Interval: 15 * time.Second, Grace: 45 * time.Second},
		Broadcast: BroadcastConfig{Backend: "none", RedisChannel: "gridsync:events"},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour, Issuer: "gridsync"},
		Gateway: GatewayConfig{
			PlaceRate:       5,
			PlaceBurst:      10,
			MaxMessageBytes: 64 << 10,
			SendBuffer:      256,
			WriteTimeout:    10 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen is required")
	check(c.DBPath != "", "db_path is required")
	check(c.Grid.Width > 0 && c.Grid.Width <= 1<<16, "grid.width must be in 1..65536, got %d", c.Grid.Width)
	check(c.Grid.Height > 0 && c.Grid.Height <= 1<<16, "grid.height must be in 1..65536, got %d", c.Grid.Height)
	check(c.Grid.LogRetain > 0 && c.Grid.LogRetain <= c.Grid.LogCeiling,
		"grid.log_retain must be in 1..log_ceiling (%d), got %d", c.Grid.LogCeiling, c.Grid.LogRetain)
	check(c.Grid.TruncateEvery > 0, "grid.truncate_every must be > 0")
	check(c.Grid.TruncateInterval > 0, "grid.truncate_interval must be > 0")
	if _, err := c.PaletteColors(); err != nil {
		errs = append(errs, err)
	}

	check(c.Replay.Window > 0, "replay.window must be > 0")
	check(c.Replay.ProbeInterval > 0 && c.Replay.SweepInterval > 0, "replay.probe_interval and sweep_interval must be > 0")
	check(c.Replay.TTL >= 2*c.Replay.Window,
		"replay.ttl (%s) must be at least twice replay.window (%s)", c.Replay.TTL, c.Replay.Window)
	switch c.Replay.Backend {
	case "local":
	case "sqlite":
		check(c.Replay.SQLitePath != "", "replay.sqlite_path is required for the sqlite backend")
	case "redis":
		check(c.RedisURL != "", "redis_url is required for the redis replay backend")
	default:
		errs = append(errs, fmt.Errorf("replay.backend %q: use local, sqlite or redis", c.Replay.Backend))
	}

	check(c.Admission.PerSource > 0, "admission.per_source must be > 0")
	check(c.Admission.Global >= c.Admission.PerSource, "admission.global must be >= per_source")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be > 0")
	check(c.Heartbeat.Grace >= 2*c.Heartbeat.Interval,
		"heartbeat.grace (%s) must span at least two intervals (%s)", c.Heartbeat.Grace, c.Heartbeat.Interval)

	switch c.Broadcast.Backend {
	case "none":
	case "redis":
		check(c.RedisURL != "", "redis_url is required for the redis broadcast backend")
		check(c.Broadcast.RedisChannel != "", "broadcast.redis_channel is required")
	case "quic":
		check(c.Broadcast.QUICListen != "", "broadcast.quic_listen is required")
		check(c.Broadcast.QUICCert != "" && c.Broadcast.QUICKey != "", "broadcast.quic_cert and quic_key are required")
	default:
		errs = append(errs, fmt.Errorf("broadcast.backend %q: use none, redis or quic", c.Broadcast.Backend))
	}

	check(c.Auth.TokenTTL > 0, "auth.token_ttl must be > 0")
	check(!c.Auth.RequireToken || c.Auth.TokenSecret != "", "auth.token_secret is required when auth.require_token is set")
	check(c.Auth.TokenSecret == "" || len(c.Auth.TokenSecret) >= 32, "auth.token_secret must be at least 32 bytes")
	check(c.Gateway.PlaceRate > 0 && c.Gateway.PlaceBurst > 0, "gateway.place_rate and place_burst must be > 0")
	check(c.Gateway.MaxMessageBytes > 0, "gateway.max_message_bytes must be > 0")
	check(c.Gateway.SendBuffer > 0, "gateway.send_buffer must be > 0")
	check(c.Admin.MCPQUICListen == "" || c.Auth.TokenSecret != "", "auth.token_secret is required for admin.mcp_quic_listen")
	check((c.Admin.MCPQUICCert == "") == (c.Admin.MCPQUICKey == ""), "admin.mcp_quic_cert and mcp_quic_key go together")

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// PaletteColors parses Grid.Palette.
func (c *Config) PaletteColors() ([]uint32, error) {
	out := make([]uint32, 0, len(c.Grid.Palette))
	for _, s := range c.Grid.Palette {
		h := strings.TrimPrefix(strings.TrimSpace(s), "#")
		v, err := strconv.ParseUint(h, 16, 24)
		if err != nil || len(h) != 6 {
			return nil, fmt.Errorf("grid.palette: invalid color %q", s)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
