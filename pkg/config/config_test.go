package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ZentaChain/zentalk-link/pkg/crypto"
	"github.com/ZentaChain/zentalk-link/pkg/network"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

const sampleConfig = `
local_address: 0xF0F0F0F0E1
destination_address: 0xF0F0F0F0D2
local_key: 000102030405060708090a0b0c0d0e0f
destination_passphrase: correct horse battery staple
receive_timeout: 500ms
transport:
  kind: udp
  listen: 127.0.0.1:7400
  peers:
    "0xF0F0F0F0D2": 127.0.0.1:7401
retry:
  attempts: 5
  delay: 2ms
storage:
  path: /var/lib/zentalk-link/journal.db
api:
  port: 9090
log:
  level: debug
  development: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, protocol.DeviceAddress(0xF0F0F0F0E1), cfg.LocalAddress)
	assert.Equal(t, protocol.DeviceAddress(0xF0F0F0F0D2), cfg.DestinationAddress)
	assert.Equal(t, 500*time.Millisecond, cfg.ReceiveTimeout)
	assert.Equal(t, protocol.DefaultPollInterval, cfg.PollInterval, "defaults survive")
	assert.Equal(t, TransportUDP, cfg.Transport.Kind)
	assert.Equal(t, network.RetryPolicy{Attempts: 5, Delay: 2 * time.Millisecond}, cfg.RetryPolicy())
	assert.Equal(t, "/var/lib/zentalk-link/journal.db", cfg.Storage.Path)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 100, cfg.API.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)

	local, err := cfg.LocalParams()
	require.NoError(t, err)
	assert.Equal(t, protocol.Key{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}, local.Key)
	assert.Equal(t, protocol.IV{}, local.IV)

	dest, err := cfg.DestinationParams()
	require.NoError(t, err)
	derived, err := crypto.DeriveKey("correct horse battery staple", []byte(DefaultKeySalt))
	require.NoError(t, err)
	assert.Equal(t, derived, dest.Key[:])

	book, err := cfg.AddressBook()
	require.NoError(t, err)
	endpoint, ok := book.Endpoint(0xF0F0F0F0D2)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7401", endpoint)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, protocol.DeviceAddress(0xF0F0F0F0E1), cfg.LocalAddress)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.LocalAddress = 0xF0F0F0F0E1
	cfg.DestinationAddress = 0xF0F0F0F0D2
	cfg.LocalKey = "000102030405060708090a0b0c0d0e0f"
	cfg.DestinationKey = "0x0f0e0d0c0b0a09080706050403020100"
	cfg.Transport.Peers = map[string]string{"1034834473170": "127.0.0.1:7401"}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing local address", func(c *Config) { c.LocalAddress = 0 }},
		{"missing destination address", func(c *Config) { c.DestinationAddress = 0 }},
		{"same addresses", func(c *Config) { c.DestinationAddress = c.LocalAddress }},
		{"missing local key", func(c *Config) { c.LocalKey = "" }},
		{"missing destination key", func(c *Config) { c.DestinationKey = "" }},
		{"short key", func(c *Config) { c.LocalKey = "0001" }},
		{"non-hex key", func(c *Config) { c.DestinationKey = "zz0102030405060708090a0b0c0d0e0f" }},
		{"missing key file", func(c *Config) {
			c.LocalKey = ""
			c.LocalKeyFile = "/nonexistent/link.key"
		}},
		{"zero timeout", func(c *Config) { c.ReceiveTimeout = 0 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }},
		{"negative delay", func(c *Config) { c.Retry.Delay = -time.Millisecond }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "serial" }},
		{"no listen address", func(c *Config) { c.Transport.Listen = "" }},
		{"no destination peer", func(c *Config) { c.Transport.Peers = nil }},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidateIgnoresPortWhenAPIDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.API.Enabled = false
	cfg.API.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestPassphraseKeysDependOnSalt(t *testing.T) {
	cfg := validConfig()
	cfg.LocalKey = ""
	cfg.LocalPassphrase = "shared secret"

	a, err := cfg.LocalParams()
	require.NoError(t, err)

	cfg.KeySalt = "another-link"
	b, err := cfg.LocalParams()
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
}

func TestKeyFile(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "destination.key")
	require.NoError(t, crypto.SaveKeyToFile(path, key))

	cfg := validConfig()
	cfg.DestinationKey = ""
	cfg.DestinationKeyFile = path
	require.NoError(t, cfg.Validate())

	params, err := cfg.DestinationParams()
	require.NoError(t, err)
	assert.Equal(t, key, params.Key[:])

	// An inline key wins over the file
	cfg.DestinationKey = "0f0e0d0c0b0a09080706050403020100"
	params, err = cfg.DestinationParams()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), params.Key[0])
	assert.NotEqual(t, key, params.Key[:])
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("local_address: [1, 2"))
	assert.Error(t, err)

	_, err = Parse([]byte("local_address: radio"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel), "debug disabled")
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel), "warn enabled")

	_, err = LogConfig{Level: "chatty"}.NewLogger()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	logger, err = LogConfig{Development: true}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
