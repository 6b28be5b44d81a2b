// Package config loads the process configuration of the bridge from a YAML file,
// environment variables and defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/link"
	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/xmodem"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "CARVERA"

// Config is the process configuration.
type Config struct {
	// Carvera is the device as "name,ip,port". When set it is treated as found at startup.
	Carvera string `yaml:"carvera"`
	// Serial is a serial port to use instead of the network.
	Serial string `yaml:"serial"`
	Baud   int    `yaml:"baud"`

	AutoConnect bool `yaml:"autocon"`
	Locate      bool `yaml:"locate"`
	Spoof       bool `yaml:"spoof"`
	Proxy       bool `yaml:"proxy"`
	Web         bool `yaml:"web"`
	Cmdline     bool `yaml:"cmdline"`
	// Quiet false enables wire traces regardless of LogLevel.
	Quiet bool `yaml:"quiet"`

	WebPort    int `yaml:"webport"`
	ProxyPort  int `yaml:"proxyport"`
	LocatePort int `yaml:"locateport"`
	SpoofPort  int `yaml:"spoofport"`

	LogLevel string `yaml:"loglevel"`
	Console  bool   `yaml:"console"`

	Link LinkConfig `yaml:"link"`
}

// LinkConfig tunes the device link.
type LinkConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	PollTick       time.Duration `yaml:"poll_tick"`
	KeepAlive      bool          `yaml:"keepalive"`
	BlockSize      int           `yaml:"block_size"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Baud:        115200,
		AutoConnect: true,
		Locate:      true,
		Spoof:       true,
		Proxy:       true,
		Web:         true,
		Quiet:       true,
		WebPort:     8001,
		ProxyPort:   2222,
		LocatePort:  3333,
		SpoofPort:   4444,
		LogLevel:    "info",
		Link: LinkConfig{
			ConnectTimeout: link.DefaultConnectTimeout,
			SettleDelay:    link.DefaultSettleDelay,
			PollTick:       link.DefaultPollTick,
			KeepAlive:      true,
			BlockSize:      xmodem.DefaultBlockSize,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "_TARGET"); ok && v != "" {
		c.Carvera = v
	}
	if v, ok := lookup(EnvPrefix + "_SERIAL"); ok && v != "" {
		c.Serial = v
	}
	if v, ok := lookup(EnvPrefix + "_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvPrefix + "_WEB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_WEB_PORT: %w", EnvPrefix, err)
		}
		c.WebPort = port
	}

	return nil
}

// Validate checks ports, the target string, the log level and the link settings.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"webport":    c.WebPort,
		"proxyport":  c.ProxyPort,
		"locateport": c.LocatePort,
		"spoofport":  c.SpoofPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: %s %d out of range", name, port)
		}
	}
	if c.Baud <= 0 {
		return fmt.Errorf("config: invalid baud rate %d", c.Baud)
	}
	if c.Carvera != "" {
		if _, err := bus.ParseTarget(c.Carvera); err != nil {
			return fmt.Errorf("config: carvera: %w", err)
		}
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: loglevel: %w", err)
	}
	if _, err := link.NewConfig(c.LinkOptions()...); err != nil {
		return fmt.Errorf("config: link: %w", err)
	}
	if _, err := xmodem.NewConfig(xmodem.WithBlockSize(c.Link.BlockSize)); err != nil {
		return fmt.Errorf("config: link: %w", err)
	}

	return nil
}

// Target returns the configured device. ok is false when none is configured.
func (c *Config) Target() (t bus.Target, ok bool) {
	if c.Carvera == "" {
		return bus.Target{}, false
	}
	t, err := bus.ParseTarget(c.Carvera)

	return t, err == nil
}

// Level returns the effective log level.
func (c *Config) Level() logger.Level {
	if !c.Quiet {
		return logger.DebugLevel
	}
	lv, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.InfoLevel
	}

	return lv
}

// LinkOptions converts the link settings to link options.
func (c *Config) LinkOptions() []link.Option {
	opts := []link.Option{
		link.WithConnectTimeout(c.Link.ConnectTimeout),
		link.WithSettleDelay(c.Link.SettleDelay),
		link.WithPollTick(c.Link.PollTick),
		link.WithKeepAlive(c.Link.KeepAlive),
		link.WithTransferOptions(xmodem.WithBlockSize(c.Link.BlockSize)),
	}
	if t, ok := c.Target(); ok {
		opts = append(opts, link.WithTarget(t))
	}

	return opts
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
