package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/valmesh/valmesh/discovery"
	"github.com/valmesh/valmesh/pkg/log"
)

type NetworkConfig struct {
	// BindAddr is the address to bind to listen for peer connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// KeyPath is the path of the node's base58 encoded ed25519 seed. The
	// node's peer ID is derived from this key. If empty an ephemeral key
	// is generated at startup.
	KeyPath string `json:"key_path" yaml:"key_path"`
}

func (c *NetworkConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *NetworkConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"network.bind-addr",
		c.BindAddr,
		`
The host/port to listen for peer connections.

If the host is unspecified it defaults to all listeners, such as
a bind address ':9090' will listen on '0.0.0.0:9090'.`,
	)
	fs.StringVar(
		&c.KeyPath,
		"network.key-path",
		c.KeyPath,
		`
Path of the node's base58 encoded ed25519 seed.

The node's peer ID is derived from this key, so validators must use the
network key registered on chain. If empty an ephemeral key is generated
at startup.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for admin connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for admin connections (health, metrics and
status).`,
	)
}

type Config struct {
	Network NetworkConfig `json:"network" yaml:"network"`

	P2P discovery.Config `json:"p2p" yaml:"p2p"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracefulShutdownTimeout is the duration to wait for pending work to
	// complete on shutdown.
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddr: ":9090",
		},
		P2P: discovery.DefaultConfig(),
		Admin: AdminConfig{
			BindAddr: ":9091",
		},
		Log: log.Config{
			Level: "info",
		},
		GracefulShutdownTimeout: time.Minute,
	}
}

func (c *Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.P2P.Validate(); err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.GracefulShutdownTimeout == 0 {
		return fmt.Errorf("missing graceful shutdown timeout")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Network.RegisterFlags(fs)
	c.P2P.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)
	fs.DurationVar(
		&c.GracefulShutdownTimeout,
		"graceful-shutdown-timeout",
		c.GracefulShutdownTimeout,
		`
Maximum duration to wait for pending work to complete on shutdown.`,
	)
}
