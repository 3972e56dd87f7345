package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRelay_Defaults(t *testing.T) {
	cfg, err := LoadRelay("")
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultConfig(), cfg.Relay)
	assert.Equal(t, "127.0.0.1:9400", cfg.Admin.Listen)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadRelay_Precedence(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
relay:
  listen:
    - tcp://0.0.0.0:9000
    - ws://0.0.0.0:9001
  heartbeat: 2s
  peer_queue_size: 64
  auth:
    secret: from-file
log:
  level: debug
`)

	t.Setenv("EVENTNET_RELAY_PEER_QUEUE_SIZE", "128")
	t.Setenv("EVENTNET_RELAY_AUTH_SECRET", "from-env")
	t.Setenv("EVENTNET_ADMIN_LISTEN", ":9999")

	cfg, err := LoadRelay(path)
	require.NoError(t, err)

	// yaml over defaults
	assert.Equal(t, []string{"tcp://0.0.0.0:9000", "ws://0.0.0.0:9001"}, cfg.Relay.Listen)
	assert.Equal(t, 2*time.Second, cfg.Relay.Heartbeat)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched defaults survive
	assert.Equal(t, relay.DefaultConfig().StaleTimeout, cfg.Relay.StaleTimeout)
	// env over yaml
	assert.Equal(t, 128, cfg.Relay.PeerQueueSize)
	assert.Equal(t, "from-env", cfg.Relay.Auth.Secret)
	assert.Equal(t, ":9999", cfg.Admin.Listen)
}

func TestLoadRelay_Invalid(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
relay:
  heartbeat: 10s
  stale_timeout: 5s
`)
	_, err := LoadRelay(path)
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("EVENTNET_TLS_CERT_FILE", "cert.pem")
	_, err = LoadRelay("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadNode(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node_id: "42"
tick_rate: 50ms
network:
  address: ws://relay.internal:7401
  bridge:
    outbound_queue: 16
  reconnect:
    max_elapsed_time: 30s
client:
  max_batch: 32
`)
	t.Setenv("EVENTNET_NET_RECONNECT_ENABLED", "false")
	t.Setenv("EVENTNET_CLIENT_TOKEN", "secret-token")

	cfg, err := LoadNode(path)
	require.NoError(t, err)

	id, err := cfg.ID()
	require.NoError(t, err)
	assert.Equal(t, network.NodeID(42), id)
	assert.Equal(t, 50*time.Millisecond, cfg.TickRate)
	assert.Equal(t, "ws://relay.internal:7401", cfg.Network.Address)
	assert.Equal(t, 16, cfg.Network.Bridge.OutboundQueue)
	assert.Equal(t, time.Minute, cfg.Network.Bridge.ClockSkewTolerance)
	assert.Equal(t, 30*time.Second, cfg.Network.Reconnect.MaxElapsedTime)
	assert.False(t, cfg.Network.Reconnect.Enabled)
	assert.Equal(t, 32, cfg.Client.MaxBatch)
	assert.Equal(t, "secret-token", cfg.Client.Token)
}

func TestNodeConfig_ID(t *testing.T) {
	cfg := DefaultNodeConfig()

	id, err := cfg.ID()
	require.NoError(t, err)
	assert.True(t, id.Valid())

	cfg.NodeID = "0"
	_, err = cfg.ID()
	assert.ErrorIs(t, err, ErrInvalid)

	cfg.NodeID = "not-a-number"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestLoad_Errors(t *testing.T) {
	var cfg NodeConfig
	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeFile(t, "bad.yaml", "tick_rate: [")
	assert.Error(t, Load(path, &cfg))

	t.Setenv("EVENTNET_TICK_RATE", "soon")
	assert.Error(t, Load("", &cfg))
}

func TestTLSConfig(t *testing.T) {
	var c TLSConfig
	assert.False(t, c.Enabled())

	srv, err := c.Server()
	require.NoError(t, err)
	assert.Nil(t, srv)
	cli, err := c.Client()
	require.NoError(t, err)
	assert.Nil(t, cli)

	c.ServerName = "relay.internal"
	cli, err = c.Client()
	require.NoError(t, err)
	assert.Equal(t, "relay.internal", cli.ServerName)

	c.CAFile = writeFile(t, "ca.pem", "not a certificate")
	_, err = c.Client()
	assert.ErrorIs(t, err, ErrInvalid)

	c = TLSConfig{CertFile: "missing.pem", KeyFile: "missing.key"}
	_, err = c.Server()
	assert.Error(t, err)
}

func TestLogConfig_Apply(t *testing.T) {
	LogConfig{Level: "warn"}.Apply()
	t.Cleanup(func() { LogConfig{Level: "info"}.Apply() })
	assert.Equal(t, zerolog.WarnLevel, logging.Level())
}
