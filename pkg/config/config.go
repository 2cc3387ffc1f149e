// Package config loads zentalk-link node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-link/pkg/crypto"
	"github.com/ZentaChain/zentalk-link/pkg/network"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// Transport kinds
const (
	TransportUDP    = "udp"
	TransportLibp2p = "libp2p"
)

// DefaultKeySalt salts passphrase-derived keys when no salt is configured
const DefaultKeySalt = "zentalk-link"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds node configuration
type Config struct {
	LocalAddress          protocol.DeviceAddress `yaml:"local_address"`
	DestinationAddress    protocol.DeviceAddress `yaml:"destination_address"`
	LocalKey              string                 `yaml:"local_key"`       // 32 hex chars
	DestinationKey        string                 `yaml:"destination_key"` // 32 hex chars
	LocalKeyFile          string                 `yaml:"local_key_file"`  // hex key written by linkd -genkey
	DestinationKeyFile    string                 `yaml:"destination_key_file"`
	LocalPassphrase       string                 `yaml:"local_passphrase"`
	DestinationPassphrase string                 `yaml:"destination_passphrase"`
	KeySalt               string                 `yaml:"key_salt"`

	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PinPeer        bool          `yaml:"pin_peer"` // Only accept exchanges from destination_address

	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig selects and configures the frame transport
type TransportConfig struct {
	Kind       string            `yaml:"kind"`        // udp or libp2p
	Listen     string            `yaml:"listen"`      // host:port or multiaddr
	Peers      map[string]string `yaml:"peers"`       // device address -> endpoint
	Identity   string            `yaml:"identity"`    // libp2p key file
	AckTimeout time.Duration     `yaml:"ack_timeout"` // zero uses the transport default
}

// RetryConfig is the link-level retry budget
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// StorageConfig configures the exchange journal
type StorageConfig struct {
	Path      string        `yaml:"path"` // empty disables the journal
	Retention time.Duration `yaml:"retention"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Enabled   bool `yaml:"enabled"`
	Port      int  `yaml:"port"`
	RateLimit int  `yaml:"rate_limit"` // Requests per minute per client
}

// DefaultConfig returns a configuration with every optional field set.
// Addresses and keys have no defaults.
func DefaultConfig() *Config {
	return &Config{
		KeySalt:        DefaultKeySalt,
		ReceiveTimeout: protocol.DefaultReceiveTimeout,
		PollInterval:   protocol.DefaultPollInterval,
		Transport: TransportConfig{
			Kind:   TransportUDP,
			Listen: "0.0.0.0:7400",
		},
		Retry: RetryConfig{
			Attempts: network.DefaultRetryAttempts,
			Delay:    network.DefaultRetryDelay,
		},
		Storage: StorageConfig{
			Path:      "data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled:   true,
			Port:      8080,
			RateLimit: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over DefaultConfig and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting
func (c *Config) Validate() error {
	switch {
	case c.LocalAddress.IsZero():
		return fmt.Errorf("%w: local_address is required", ErrInvalidConfig)
	case c.DestinationAddress.IsZero():
		return fmt.Errorf("%w: destination_address is required", ErrInvalidConfig)
	case c.LocalAddress == c.DestinationAddress:
		return fmt.Errorf("%w: local_address and destination_address must differ", ErrInvalidConfig)
	case c.LocalKey == "" && c.LocalKeyFile == "" && c.LocalPassphrase == "":
		return fmt.Errorf("%w: local_key, local_key_file or local_passphrase is required", ErrInvalidConfig)
	case c.DestinationKey == "" && c.DestinationKeyFile == "" && c.DestinationPassphrase == "":
		return fmt.Errorf("%w: destination_key, destination_key_file or destination_passphrase is required", ErrInvalidConfig)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("%w: receive_timeout must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	case c.Retry.Attempts < 1:
		return fmt.Errorf("%w: retry.attempts must be at least 1", ErrInvalidConfig)
	case c.Retry.Delay < 0:
		return fmt.Errorf("%w: retry.delay must not be negative", ErrInvalidConfig)
	case c.Transport.Kind != TransportUDP && c.Transport.Kind != TransportLibp2p:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Transport.Kind)
	case c.Transport.Listen == "":
		return fmt.Errorf("%w: transport.listen is required", ErrInvalidConfig)
	case c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535):
		return fmt.Errorf("%w: api.port %d out of range", ErrInvalidConfig, c.API.Port)
	}

	if !c.hasPeer(c.DestinationAddress) {
		return fmt.Errorf("%w: no transport peer for destination %s", ErrInvalidConfig, c.DestinationAddress)
	}
	if _, err := c.LocalParams(); err != nil {
		return err
	}
	if _, err := c.DestinationParams(); err != nil {
		return err
	}
	return nil
}

// hasPeer matches peer keys numerically, so 0xf0f0f0f0e1 and 1034834473185
// both name the same device.
func (c *Config) hasPeer(addr protocol.DeviceAddress) bool {
	for key := range c.Transport.Peers {
		if a, err := protocol.ParseDeviceAddress(key); err == nil && a == addr {
			return true
		}
	}
	return false
}

// LocalParams returns the key that opens messages sent to this device
func (c *Config) LocalParams() (protocol.CryptoParams, error) {
	return c.params("local", c.LocalKey, c.LocalKeyFile, c.LocalPassphrase)
}

// DestinationParams returns the key that seals messages for the destination
func (c *Config) DestinationParams() (protocol.CryptoParams, error) {
	return c.params("destination", c.DestinationKey, c.DestinationKeyFile, c.DestinationPassphrase)
}

// params prefers an inline key, then a key file, then a passphrase
func (c *Config) params(name, hexKey, keyFile, passphrase string) (protocol.CryptoParams, error) {
	var params protocol.CryptoParams

	var key []byte
	var err error
	switch {
	case hexKey != "":
		key, err = crypto.ParseKey(hexKey)
	case keyFile != "":
		key, err = crypto.LoadKeyFromFile(keyFile)
	default:
		salt := c.KeySalt
		if salt == "" {
			salt = DefaultKeySalt
		}
		key, err = crypto.DeriveKey(passphrase, []byte(salt))
	}
	if err != nil {
		return params, fmt.Errorf("%w: %s key: %w", ErrInvalidConfig, name, err)
	}

	copy(params.Key[:], key)
	return params, nil
}

// RetryPolicy returns the configured link retry budget
func (c *Config) RetryPolicy() network.RetryPolicy {
	return network.RetryPolicy{
		Attempts: c.Retry.Attempts,
		Delay:    c.Retry.Delay,
	}
}

// AddressBook returns the configured transport peers
func (c *Config) AddressBook() (*network.AddressBook, error) {
	book, err := network.ParseAddressBook(c.Transport.Peers)
	if err != nil {
		return nil, fmt.Errorf("%w: transport.peers: %w", ErrInvalidConfig, err)
	}
	return book, nil
}
