package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/ghostlink/config"
	"github.com/opd-ai/ghostlink/internal/demo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ghostlink dev")
}

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")
	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "public key")

	key, err := config.LoadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, key.HasPrivateKey())
}

func TestPuzzle(t *testing.T) {
	out, err := execute(t, "puzzle", "--difficulty", "4", "--rounds", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "difficulty 4: 2 rounds")

	_, err = execute(t, "puzzle", "--difficulty", "40")
	assert.Error(t, err)
	_, err = execute(t, "puzzle", "--rounds", "0")
	assert.Error(t, err)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")
	_, err := execute(t, "connect", "--config", missing, "--server", "not-an-address")
	assert.ErrorContains(t, err, "server address")
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err := execute(t, "serve", "--config", path)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, serve(ctx, cfg, 4))
}

func TestGreetValidatesVelocity(t *testing.T) {
	p := demo.NewClient("tester")
	assert.NoError(t, greet(p, connectOptions{say: []string{"hi"}}))
	assert.NoError(t, greet(p, connectOptions{velocity: []float32{1, 0, 0}}))
	assert.Error(t, greet(p, connectOptions{velocity: []float32{1, 2}}))
}
