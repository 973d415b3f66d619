package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tmux    TmuxConfig    `yaml:"tmux"`
	Channel ChannelConfig `yaml:"channel"`
	Client  ClientConfig  `yaml:"client"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TmuxConfig controls how the external multiplexer is invoked.
type TmuxConfig struct {
	Binary            string        `yaml:"binary"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	LookupConcurrency int           `yaml:"lookup_concurrency"`
	Term              string        `yaml:"term"`
}

// ChannelConfig holds the per-attachment relay timings.
type ChannelConfig struct {
	CloseGrace   time.Duration `yaml:"close_grace"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	ReadBuffer   int           `yaml:"read_buffer"`
	SendQueue    int           `yaml:"send_queue"`
}

type ClientConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	AutoReconnect      bool          `yaml:"auto_reconnect"`
	FailureThreshold   int           `yaml:"failure_threshold"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "127.0.0.1",
		},
		Tmux: TmuxConfig{
			Binary:            "tmux",
			CommandTimeout:    5 * time.Second,
			LookupConcurrency: 4,
			Term:              "xterm-256color",
		},
		Channel: ChannelConfig{
			CloseGrace:   2 * time.Second,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
			ReadBuffer:   32 * 1024,
			SendQueue:    256,
		},
		Client: ClientConfig{
			PollInterval:       5 * time.Second,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
			AutoReconnect:      true,
			FailureThreshold:   3,
		},
	}
}

// Default returns a config populated with built-in defaults only.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// normalize replaces zero or negative values that would stall the relay
// with their defaults.
func (c *Config) normalize() {
	def := defaultConfig()
	if c.Tmux.Binary == "" {
		c.Tmux.Binary = def.Tmux.Binary
	}
	if c.Tmux.CommandTimeout <= 0 {
		c.Tmux.CommandTimeout = def.Tmux.CommandTimeout
	}
	if c.Tmux.LookupConcurrency <= 0 {
		c.Tmux.LookupConcurrency = def.Tmux.LookupConcurrency
	}
	if c.Channel.CloseGrace <= 0 {
		c.Channel.CloseGrace = def.Channel.CloseGrace
	}
	if c.Channel.WriteTimeout <= 0 {
		c.Channel.WriteTimeout = def.Channel.WriteTimeout
	}
	if c.Channel.PingInterval <= 0 {
		c.Channel.PingInterval = def.Channel.PingInterval
	}
	if c.Channel.PongTimeout <= c.Channel.PingInterval {
		c.Channel.PongTimeout = 2 * c.Channel.PingInterval
	}
	if c.Channel.ReadBuffer <= 0 {
		c.Channel.ReadBuffer = def.Channel.ReadBuffer
	}
	if c.Channel.SendQueue <= 0 {
		c.Channel.SendQueue = def.Channel.SendQueue
	}
	if c.Client.PollInterval <= 0 {
		c.Client.PollInterval = def.Client.PollInterval
	}
	if c.Client.ReconnectBaseDelay <= 0 {
		c.Client.ReconnectBaseDelay = def.Client.ReconnectBaseDelay
	}
	if c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		c.Client.ReconnectMaxDelay = c.Client.ReconnectBaseDelay
	}
	if c.Client.FailureThreshold <= 0 {
		c.Client.FailureThreshold = def.Client.FailureThreshold
	}
}
