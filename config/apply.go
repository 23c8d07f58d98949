package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/metrics"
	"github.com/opd-ai/ghostlink/netif"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

// InterfaceOptions builds the netif options described by the server
// section. m may be nil.
func (c *Config) InterfaceOptions(classes *registry.Registry[*connection.Connection], m *metrics.Metrics) (netif.Options, error) {
	opts := netif.Options{
		Classes:             classes,
		RequiresKeyExchange: c.Server.RequireKeyExchange,
		DebugObjectSizes:    c.Server.DebugObjectSizes,
		ChallengeRate:       c.Server.ChallengeRate,
		ChallengeBurst:      c.Server.ChallengeBurst,
		PuzzleDifficulty:    c.Server.PuzzleDifficulty,
		Metrics:             m,
	}
	if c.Server.PrivateKeyFile != "" {
		key, err := LoadPrivateKey(c.Server.PrivateKeyFile)
		if err != nil {
			return netif.Options{}, err
		}
		opts.PrivateKey = key
	}
	return opts, nil
}

// Rate returns the fixed rate limits of the connection section.
func (cc ConnectionConfig) Rate() connection.Rate {
	return connection.Rate{
		MaxSendBandwidth:    cc.MaxSendBandwidth,
		MaxRecvBandwidth:    cc.MaxRecvBandwidth,
		MinPacketSendPeriod: uint32(cc.MinPacketSendPeriod / time.Millisecond),
		MinPacketRecvPeriod: uint32(cc.MinPacketRecvPeriod / time.Millisecond),
	}
}

// Apply configures rate control, keepalive and simulated loss on conn. It
// must run before the connection is established.
func (c *Config) Apply(conn *connection.Connection) {
	cc := c.Connection
	if cc.Adaptive {
		conn.SetAdaptive()
	} else {
		conn.SetFixedRateParameters(cc.Rate())
		conn.SetPingTimeouts(cc.PingTimeout, cc.PingRetryCount)
	}
	conn.SetSimulatedNetwork(c.Simulation.Network())
}

// Network converts the simulation section.
func (s SimulationConfig) Network() connection.SimulatedNetwork {
	return connection.SimulatedNetwork{
		SendLoss:    s.SendLoss,
		RecvLoss:    s.RecvLoss,
		SendLatency: s.SendLatency,
		RecvLatency: s.RecvLatency,
	}
}

// MetricsOptions converts the metrics section.
func (mc MetricsConfig) MetricsOptions() []metrics.Option {
	if mc.Namespace == "" {
		return nil
	}
	return []metrics.Option{metrics.WithNamespace(mc.Namespace)}
}

// Apply sets the level and formatter of the standard logrus logger.
func (lc LogConfig) Apply() error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// LoadPrivateKey reads a key file written by SavePrivateKey.
func LoadPrivateKey(path string) (*crypto.AsymmetricKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	defer crypto.ZeroBytes(raw)
	key, err := crypto.ImportKey(raw)
	if err != nil {
		return nil, fmt.Errorf("import key %s: %w", path, err)
	}
	if !key.HasPrivateKey() {
		return nil, fmt.Errorf("key %s has no private half: %w", path, crypto.ErrInvalidKey)
	}
	return key, nil
}

// SavePrivateKey writes key to path, readable by the owner only.
func SavePrivateKey(path string, key *crypto.AsymmetricKey) error {
	raw, err := key.PrivateKeyBytes()
	if err != nil {
		return fmt.Errorf("export key: %w", err)
	}
	defer crypto.ZeroBytes(raw)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return nil
}
