package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxl55/ert-concierge/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 64209, cfg.Server.Port)
	assert.Equal(t, "ert-concierge", cfg.WebSocket.Subprotocol)
	assert.Equal(t, "^0.2.0", cfg.WebSocket.MinVersion)
	assert.Equal(t, "0.2.0", cfg.WebSocket.ServerVersion)
	assert.Equal(t, int64(2<<20), cfg.Fs.MaxPutSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONCIERGE_SERVER_PORT", "9000")
	t.Setenv("CONCIERGE_WEBSOCKET_SECRET", "s3cr3t")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cr3t", cfg.WebSocket.Secret)
}

func TestMain(m *testing.M) {
	// Guard against a stray ./concierge.yaml in the test working directory
	// shadowing the defaults under test.
	if _, err := os.Stat("concierge.yaml"); err == nil {
		os.Exit(1)
	}
	os.Exit(m.Run())
}
