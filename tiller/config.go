// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCommandTimeout   = 30 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultOutboundCapacity = 32
	defaultMaxMessageSize   = 64 << 20
	defaultEventBufferSize  = 16
)

// Config holds the client options. The zero value of any field means
// "use the default"; a nil *Config is valid everywhere one is accepted.
type Config struct {
	// CommandTimeout is the per-command deadline applied by the
	// multiplexer. Default 30s.
	CommandTimeout time.Duration

	// ConnectTimeout bounds the initial transport handshake. Default 10s.
	ConnectTimeout time.Duration

	// OutboundCapacity is the backpressure bound between the
	// multiplexer and the connection manager. Default 32.
	OutboundCapacity int

	// MaxMessageSize is the maximum inbound frame size in bytes; an
	// oversized frame fails the connection. Default 64 MiB.
	MaxMessageSize int64

	// EventBufferSize is the per-subscription event buffer. A
	// subscriber that falls further behind has events dropped.
	// Default 16.
	EventBufferSize int

	// SendRateLimit caps outbound messages per second. Zero disables
	// the limiter.
	SendRateLimit float64

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// Logger receives the client's structured logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.CommandTimeout == 0 {
		out.CommandTimeout = defaultCommandTimeout
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.OutboundCapacity == 0 {
		out.OutboundCapacity = defaultOutboundCapacity
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaultMaxMessageSize
	}
	if out.EventBufferSize == 0 {
		out.EventBufferSize = defaultEventBufferSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

func (c *Config) validate() error {
	if c.CommandTimeout < 0 || c.ConnectTimeout < 0 {
		return errorf(KindInvalidParameters, "timeouts must not be negative")
	}
	if c.OutboundCapacity < 0 || c.EventBufferSize < 0 {
		return errorf(KindInvalidParameters, "channel capacities must not be negative")
	}
	if c.MaxMessageSize < 0 || c.SendRateLimit < 0 {
		return errorf(KindInvalidParameters, "limits must not be negative")
	}
	return nil
}

// fileConfig is the YAML schema. Durations are in milliseconds.
type fileConfig struct {
	CommandTimeoutMS int64   `yaml:"command_timeout_ms"`
	ConnectTimeoutMS int64   `yaml:"connect_timeout_ms"`
	OutboundCapacity int     `yaml:"outbound_capacity"`
	MaxMessageSize   int64   `yaml:"max_message_size"`
	EventBufferSize  int     `yaml:"event_buffer_size"`
	SendRateLimit    float64 `yaml:"send_rate_limit"`
}

// DefaultSearchPaths returns the config file search order: the working
// directory, the user config directory, then /etc.
func DefaultSearchPaths() []string {
	paths := []string{"tiller.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tiller", "tiller.yaml"))
	}
	paths = append(paths, "/etc/tiller/tiller.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadConfig reads a YAML config file. Fields left unset fall back to
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg := &Config{
		CommandTimeout:   time.Duration(fc.CommandTimeoutMS) * time.Millisecond,
		ConnectTimeout:   time.Duration(fc.ConnectTimeoutMS) * time.Millisecond,
		OutboundCapacity: fc.OutboundCapacity,
		MaxMessageSize:   fc.MaxMessageSize,
		EventBufferSize:  fc.EventBufferSize,
		SendRateLimit:    fc.SendRateLimit,
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
