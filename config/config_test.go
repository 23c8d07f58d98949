package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/puzzle"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(puzzle.InitialDifficulty), cfg.Server.PuzzleDifficulty)
	assert.Equal(t, connection.DefaultRate, cfg.Connection.Rate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:3000"
server:
  puzzle_difficulty: 20
  challenge_rate: 5
connection:
  min_packet_send_period: 32ms
  max_send_bandwidth: 8000
  ping_timeout: 2s
simulation:
  send_loss: 0.1
  recv_latency: 150ms
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.Listen)
	assert.Equal(t, uint32(20), cfg.Server.PuzzleDifficulty)
	assert.Equal(t, 5.0, cfg.Server.ChallengeRate)
	assert.Equal(t, 100, cfg.Server.ChallengeBurst, "untouched key keeps its default")
	assert.True(t, cfg.Server.AllowConnections)
	assert.Equal(t, 32*time.Millisecond, cfg.Connection.MinPacketSendPeriod)
	assert.Equal(t, 2*time.Second, cfg.Connection.PingTimeout)
	assert.Equal(t, connection.Rate{
		MaxSendBandwidth:    8000,
		MaxRecvBandwidth:    connection.DefaultFixedBandwidth,
		MinPacketSendPeriod: 32,
		MinPacketRecvPeriod: connection.DefaultFixedSendPeriod,
	}, cfg.Connection.Rate())
	assert.Equal(t, connection.SimulatedNetwork{SendLoss: 0.1, RecvLatency: 150 * time.Millisecond}, cfg.Simulation.Network())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("server:\n  puzle_difficulty: 3\n"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"difficulty", func(c *Config) { c.Server.PuzzleDifficulty = puzzle.MaxDifficulty + 1 }},
		{"negative rate", func(c *Config) { c.Server.ChallengeRate = -1 }},
		{"key exchange without key", func(c *Config) { c.Server.RequireKeyExchange = true }},
		{"zero bandwidth", func(c *Config) { c.Connection.MaxRecvBandwidth = 0 }},
		{"bandwidth", func(c *Config) { c.Connection.MaxSendBandwidth = connection.MaxFixedBandwidth + 1 }},
		{"short period", func(c *Config) { c.Connection.MinPacketSendPeriod = time.Microsecond }},
		{"long period", func(c *Config) { c.Connection.MinPacketRecvPeriod = 3 * time.Second }},
		{"ping retries", func(c *Config) { c.Connection.PingRetryCount = 0 }},
		{"loss", func(c *Config) { c.Simulation.RecvLoss = 1.5 }},
		{"latency", func(c *Config) { c.Simulation.SendLatency = -time.Second }},
		{"metrics listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Connection.Adaptive = true
	cfg.Simulation.SendLatency = 40 * time.Millisecond
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "send_latency: 40ms")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestPrivateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")
	key, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	require.NoError(t, SavePrivateKey(path, key))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, loaded.HasPrivateKey())
	assert.True(t, loaded.Equal(key))

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err = LoadPrivateKey(path)
	assert.Error(t, err)

	_, err = LoadPrivateKey(filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInterfaceOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.InterfaceOptions(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, opts.PrivateKey)
	assert.Equal(t, cfg.Server.PuzzleDifficulty, opts.PuzzleDifficulty)
	assert.Equal(t, cfg.Server.ChallengeRate, opts.ChallengeRate)

	path := filepath.Join(t.TempDir(), "server.key")
	key, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	require.NoError(t, SavePrivateKey(path, key))
	cfg.Server.PrivateKeyFile = path
	cfg.Server.RequireKeyExchange = true
	opts, err = cfg.InterfaceOptions(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, opts.PrivateKey)
	assert.True(t, opts.PrivateKey.Equal(key))
	assert.True(t, opts.RequiresKeyExchange)

	cfg.Server.PrivateKeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = cfg.InterfaceOptions(nil, nil)
	assert.Error(t, err)
}

func TestApplyToConnection(t *testing.T) {
	cfg := Default()
	cfg.Connection.MinPacketSendPeriod = 50 * time.Millisecond
	cfg.Simulation.RecvLatency = 20 * time.Millisecond

	c := connection.New("test.Conn", connection.BaseHandler{})
	cfg.Apply(c)
	assert.False(t, c.IsAdaptive())
	assert.Equal(t, 20*time.Millisecond, c.SimulatedNetwork().RecvLatency)

	cfg.Connection.Adaptive = true
	adaptive := connection.New("test.Conn", connection.BaseHandler{})
	cfg.Apply(adaptive)
	assert.True(t, adaptive.IsAdaptive())
}

func TestLogApply(t *testing.T) {
	level := logrus.GetLevel()
	formatter := logrus.StandardLogger().Formatter
	defer func() {
		logrus.SetLevel(level)
		logrus.SetFormatter(formatter)
	}()

	require.NoError(t, LogConfig{Level: "warn", Format: "json"}.Apply())
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
	assert.Error(t, LogConfig{Level: "nope"}.Apply())
}

func TestMetricsOptions(t *testing.T) {
	assert.Len(t, MetricsConfig{Namespace: "game"}.MetricsOptions(), 1)
	assert.Empty(t, MetricsConfig{}.MetricsOptions())
}
