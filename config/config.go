// Package config loads NCP client/server configuration from a YAML file,
// supplementing the functional-option constructors in the root package
// with an on-disk description of a node's host/port/behavior flags. The
// server identity (ServerConfig.Identity) is not read from the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	ncp "github.com/ncplib/go-ncp"
)

// DefaultPort is the NCP wire-protocol default port.
const DefaultPort = 9999

// ClientConfig describes how an ncp.Connect call should reach and
// authenticate against a node.
type ClientConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AutoAuth bool `yaml:"auto_auth"`
	AutoErro bool `yaml:"auto_erro"`
	AutoWarn bool `yaml:"auto_warn"`
	AutoAckn bool `yaml:"auto_ackn"`

	// DialTimeout bounds the initial TCP connect; zero means no timeout.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultClientConfig returns a ClientConfig with every auto_* flag on.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Port:     DefaultPort,
		AutoAuth: true,
		AutoErro: true,
		AutoWarn: true,
		AutoAckn: true,
	}
}

// Validate checks that the config is sane enough to dial with.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host must be specified")
	}
	if c.Port <= 0 {
		return fmt.Errorf("config: port must be positive")
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("config: dial_timeout must be 0 or positive")
	}
	return nil
}

// Options translates a loaded ClientConfig into the functional options
// ncp.Connect accepts.
func (c *ClientConfig) Options() []ncp.Option {
	opts := []ncp.Option{
		ncp.WithAutoAuth(c.AutoAuth),
		ncp.WithAutoErro(c.AutoErro),
		ncp.WithAutoWarn(c.AutoWarn),
		ncp.WithAutoAckn(c.AutoAckn),
	}
	if c.DialTimeout > 0 {
		opts = append(opts, ncp.WithDialTimeout(c.DialTimeout))
	}
	return opts
}

// LoadClientConfig reads and validates a ClientConfig from path, starting
// from DefaultClientConfig and overlaying whatever the file sets.
func LoadClientConfig(path string) (*ClientConfig, error) {
	c := DefaultClientConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ServerConfig describes how an ncp.Start call should bind and
// authenticate accepted connections.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AutoAuth bool `yaml:"auto_auth"`
	AutoErro bool `yaml:"auto_erro"`
	AutoWarn bool `yaml:"auto_warn"`
	AutoAckn bool `yaml:"auto_ackn"`

	// AutoLink, if set, requests periodic LINK keep-alive packets be sent
	// to every connection. The flag is accepted and threaded through but
	// the server does not currently act on it.
	AutoLink bool `yaml:"auto_link"`

	// Identity is the 4-byte value the server stamps into every outbound
	// packet's info tag.
	Identity [4]byte `yaml:"-"`
}

// DefaultServerConfig returns a ServerConfig with every auto_* flag on,
// bound to all interfaces on the default NCP port.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:     "0.0.0.0",
		Port:     DefaultPort,
		AutoAuth: true,
		AutoErro: true,
		AutoWarn: true,
		AutoAckn: true,
		AutoLink: true,
	}
}

// Validate checks that the config is sane enough to listen with.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("config: port must be positive")
	}
	return nil
}

// Options translates a loaded ServerConfig into the functional options
// ncp.Start accepts. AutoLink has no Option counterpart yet (see the
// field's doc comment) and is not included.
func (c *ServerConfig) Options() []ncp.Option {
	opts := []ncp.Option{
		ncp.WithAutoAuth(c.AutoAuth),
		ncp.WithAutoErro(c.AutoErro),
		ncp.WithAutoWarn(c.AutoWarn),
		ncp.WithAutoAckn(c.AutoAckn),
	}
	if c.Identity != ([4]byte{}) {
		opts = append(opts, ncp.WithInfo(c.Identity))
	}
	return opts
}

// LoadServerConfig reads and validates a ServerConfig from path, starting
// from DefaultServerConfig and overlaying whatever the file sets.
func LoadServerConfig(path string) (*ServerConfig, error) {
	c := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
