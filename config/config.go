package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/puzzle"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the on-disk configuration of a ghostlink node.
type Config struct {
	// Listen is the UDP address to bind, for example ":28000".
	Listen     string           `yaml:"listen"`
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Simulation SimulationConfig `yaml:"simulation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the handshake on the accepting side.
type ServerConfig struct {
	AllowConnections   bool `yaml:"allow_connections"`
	RequireKeyExchange bool `yaml:"require_key_exchange"`
	// PrivateKeyFile holds a hex encoded key written by SavePrivateKey.
	// Empty disables key exchange.
	PrivateKeyFile   string  `yaml:"private_key_file"`
	PuzzleDifficulty uint32  `yaml:"puzzle_difficulty"`
	ChallengeRate    float64 `yaml:"challenge_rate"`
	ChallengeBurst   int     `yaml:"challenge_burst"`
	DebugObjectSizes bool    `yaml:"debug_object_sizes"`
}

// ConnectionConfig sets the rate control of new connections.
type ConnectionConfig struct {
	Adaptive            bool          `yaml:"adaptive"`
	MaxSendBandwidth    uint32        `yaml:"max_send_bandwidth"`
	MaxRecvBandwidth    uint32        `yaml:"max_recv_bandwidth"`
	MinPacketSendPeriod time.Duration `yaml:"min_packet_send_period"`
	MinPacketRecvPeriod time.Duration `yaml:"min_packet_recv_period"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	PingRetryCount      int           `yaml:"ping_retry_count"`
}

// SimulationConfig injects loss and latency on every connection.
type SimulationConfig struct {
	SendLoss    float32       `yaml:"send_loss"`
	RecvLoss    float32       `yaml:"recv_loss"`
	SendLatency time.Duration `yaml:"send_latency"`
	RecvLatency time.Duration `yaml:"recv_latency"`
}

// MetricsConfig exposes the Prometheus collectors over HTTP.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// LogConfig selects the logrus level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":28000",
		Server: ServerConfig{
			AllowConnections: true,
			PuzzleDifficulty: puzzle.InitialDifficulty,
			ChallengeRate:    50,
			ChallengeBurst:   100,
		},
		Connection: ConnectionConfig{
			MaxSendBandwidth:    connection.DefaultFixedBandwidth,
			MaxRecvBandwidth:    connection.DefaultFixedBandwidth,
			MinPacketSendPeriod: connection.DefaultFixedSendPeriod * time.Millisecond,
			MinPacketRecvPeriod: connection.DefaultFixedSendPeriod * time.Millisecond,
			PingTimeout:         connection.DefaultPingTimeout,
			PingRetryCount:      connection.DefaultPingRetryCount,
		},
		Metrics: MetricsConfig{
			Listen:    ":9090",
			Namespace: "ghostlink",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("No configuration file, using defaults")
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks every field against the limits the protocol can encode.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return invalid("listen address is empty")
	}

	s := c.Server
	if s.PuzzleDifficulty > puzzle.MaxDifficulty {
		return invalid("puzzle_difficulty %d exceeds %d", s.PuzzleDifficulty, puzzle.MaxDifficulty)
	}
	if s.ChallengeRate < 0 || s.ChallengeBurst < 0 {
		return invalid("challenge_rate and challenge_burst must not be negative")
	}
	if s.RequireKeyExchange && s.PrivateKeyFile == "" {
		return invalid("require_key_exchange needs private_key_file")
	}

	cc := c.Connection
	for name, bw := range map[string]uint32{
		"max_send_bandwidth": cc.MaxSendBandwidth,
		"max_recv_bandwidth": cc.MaxRecvBandwidth,
	} {
		if bw == 0 || bw > connection.MaxFixedBandwidth {
			return invalid("%s %d outside 1..%d", name, bw, connection.MaxFixedBandwidth)
		}
	}
	for name, period := range map[string]time.Duration{
		"min_packet_send_period": cc.MinPacketSendPeriod,
		"min_packet_recv_period": cc.MinPacketRecvPeriod,
	} {
		if period < time.Millisecond || period > connection.MaxFixedSendPeriod*time.Millisecond {
			return invalid("%s %s outside 1ms..%dms", name, period, connection.MaxFixedSendPeriod)
		}
	}
	if cc.PingTimeout <= 0 || cc.PingRetryCount <= 0 {
		return invalid("ping_timeout and ping_retry_count must be positive")
	}

	sim := c.Simulation
	if sim.SendLoss < 0 || sim.SendLoss > 1 || sim.RecvLoss < 0 || sim.RecvLoss > 1 {
		return invalid("loss must be within [0, 1]")
	}
	if sim.SendLatency < 0 || sim.RecvLatency < 0 {
		return invalid("latency must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return invalid("metrics enabled without a listen address")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log format %q is neither text nor json", c.Log.Format)
	}
	return nil
}
