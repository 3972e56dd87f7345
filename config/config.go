// Package config loads relay and node configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then EVENTNET_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/eventnet/bridge"
	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
	"github.com/VanDung-dev/eventnet/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTNET_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// LogConfig selects the global logger settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// Apply reconfigures the process logger.
func (c LogConfig) Apply() {
	logging.Setup(os.Stderr, c.Level, c.Pretty)
}

// AdminConfig configures the admin HTTP endpoint. An empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

// RelayConfig is the configuration of the relay process.
type RelayConfig struct {
	Relay     relay.Config     `yaml:"relay" envPrefix:"RELAY_"`
	TLS       TLSConfig        `yaml:"tls" envPrefix:"TLS_"`
	Admin     AdminConfig      `yaml:"admin" envPrefix:"ADMIN_"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"OTEL_"`
}

// DefaultRelayConfig returns a configuration with sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Relay: relay.DefaultConfig(),
		Admin: AdminConfig{Listen: "127.0.0.1:9400"},
		Log:   LogConfig{Level: "info"},
	}
}

// Validate reports the first invalid field.
func (c RelayConfig) Validate() error {
	if len(c.Relay.Listen) == 0 {
		return fmt.Errorf("%w: relay.listen is empty", ErrInvalid)
	}
	if c.Relay.StaleTimeout > 0 && c.Relay.StaleTimeout <= c.Relay.Heartbeat {
		return fmt.Errorf("%w: relay.stale_timeout must exceed relay.heartbeat", ErrInvalid)
	}
	return c.TLS.validate()
}

// NodeConfig is the configuration of a node process.
type NodeConfig struct {
	// NodeID is decimal; empty picks a random id at startup.
	NodeID    string               `yaml:"node_id" env:"NODE_ID"`
	TickRate  time.Duration        `yaml:"tick_rate" env:"TICK_RATE"`
	Network   bridge.ServiceConfig `yaml:"network" envPrefix:"NET_"`
	Client    relay.ClientConfig   `yaml:"client" envPrefix:"CLIENT_"`
	TLS       TLSConfig            `yaml:"tls" envPrefix:"TLS_"`
	Admin     AdminConfig          `yaml:"admin" envPrefix:"ADMIN_"`
	Log       LogConfig            `yaml:"log" envPrefix:"LOG_"`
	Telemetry telemetry.Config     `yaml:"telemetry" envPrefix:"OTEL_"`
}

// DefaultNodeConfig returns a configuration with sensible defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		TickRate: time.Second / 60,
		Network:  bridge.DefaultServiceConfig(),
		Client:   relay.DefaultClientConfig(),
		Log:      LogConfig{Level: "info"},
	}
}

// Validate reports the first invalid field.
func (c NodeConfig) Validate() error {
	if _, err := c.ID(); err != nil {
		return err
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("%w: tick_rate must be positive", ErrInvalid)
	}
	if c.Network.Address == "" {
		return fmt.Errorf("%w: network.address is empty", ErrInvalid)
	}
	return c.TLS.validate()
}

// ID parses NodeID, generating a random one when it is empty.
func (c NodeConfig) ID() (network.NodeID, error) {
	if c.NodeID == "" {
		return network.NewNodeID(), nil
	}
	id, err := network.ParseNodeID(c.NodeID)
	if err != nil {
		return 0, fmt.Errorf("%w: node_id: %v", ErrInvalid, err)
	}
	return id, nil
}

// LoadRelay resolves a RelayConfig from defaults, path and the environment.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := Load(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, cfg.Validate()
}

// LoadNode resolves a NodeConfig from defaults, path and the environment.
func LoadNode(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := Load(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, cfg.Validate()
}

// Load overlays the YAML file at path (if any) and then the environment on
// top of whatever target already holds.
func Load(path string, target any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return ParseEnv(target)
}

// ParseEnv loads EVENTNET_-prefixed environment variables into target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
