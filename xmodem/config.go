package xmodem

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-carvera/logger"
)

// Defaults match current device firmware: 8 KiB blocks numbered from 0.
const (
	DefaultBlockSize    = 8192
	DefaultStartIndex   = 0
	DefaultMaxErrors    = 10
	DefaultInitAttempts = 3
	DefaultInitInterval = 3 * time.Second
	DefaultBlockTimeout = 10 * time.Second
	DefaultMaxTimeouts  = 5
)

// Range limits.
const (
	MinBlockSize = 64
	// MaxBlockSize is bounded by the 16 bit length field.
	MaxBlockSize = 65535

	MaxErrorLimit   = 100
	MaxInitAttempts = 20
	MaxTimeoutLimit = 50

	MinInterval = 10 * time.Millisecond
	MaxInterval = 2 * time.Minute
)

// Config holds the tunables shared by Sender and Receiver.
type Config struct {
	blockSize    int
	startIndex   byte
	maxErrors    int
	initAttempts int
	initInterval time.Duration
	blockTimeout time.Duration
	maxTimeouts  int

	metrics *Metrics
	logger  logger.Logger
}

// NewConfig creates a Config with defaults, then applies opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		blockSize:    DefaultBlockSize,
		startIndex:   DefaultStartIndex,
		maxErrors:    DefaultMaxErrors,
		initAttempts: DefaultInitAttempts,
		initInterval: DefaultInitInterval,
		blockTimeout: DefaultBlockTimeout,
		maxTimeouts:  DefaultMaxTimeouts,
		metrics:      &Metrics{},
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// BlockSize returns the payload bytes per block.
func (cfg *Config) BlockSize() int { return cfg.blockSize }

// StartIndex returns the index of the checksum block.
func (cfg *Config) StartIndex() byte { return cfg.startIndex }

// MaxErrors returns how many consecutive errors a single block may see before the transfer fails.
func (cfg *Config) MaxErrors() int { return cfg.maxErrors }

// InitAttempts returns how many CRC mode requests a receiver sends before giving up.
func (cfg *Config) InitAttempts() int { return cfg.initAttempts }

// InitInterval returns the delay between CRC mode requests.
func (cfg *Config) InitInterval() time.Duration { return cfg.initInterval }

// BlockTimeout returns how long either side waits for the next protocol byte.
func (cfg *Config) BlockTimeout() time.Duration { return cfg.blockTimeout }

// MaxTimeouts returns how many consecutive timeouts a sender tolerates.
func (cfg *Config) MaxTimeouts() int { return cfg.maxTimeouts }

// Metrics returns the counters updated by sessions using this config.
func (cfg *Config) Metrics() *Metrics { return cfg.metrics }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBlockSize sets the payload bytes per block, in [MinBlockSize, MaxBlockSize].
// Older firmware uses 128.
func WithBlockSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinBlockSize || n > MaxBlockSize {
			return fmt.Errorf("xmodem: block size %d out of range [%d, %d]", n, MinBlockSize, MaxBlockSize)
		}
		cfg.blockSize = n

		return nil
	})
}

// WithStartIndex sets the index of the first block. Classic XMODEM uses 1.
func WithStartIndex(idx byte) Option {
	return optFunc(func(cfg *Config) error {
		cfg.startIndex = idx
		return nil
	})
}

// WithMaxErrors sets the per block error limit, in [1, MaxErrorLimit].
func WithMaxErrors(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxErrorLimit {
			return fmt.Errorf("xmodem: max errors %d out of range [1, %d]", n, MaxErrorLimit)
		}
		cfg.maxErrors = n

		return nil
	})
}

// WithInitAttempts sets how many CRC mode requests a receiver sends, in [1, MaxInitAttempts].
func WithInitAttempts(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxInitAttempts {
			return fmt.Errorf("xmodem: init attempts %d out of range [1, %d]", n, MaxInitAttempts)
		}
		cfg.initAttempts = n

		return nil
	})
}

// WithInitInterval sets the delay between CRC mode requests.
func WithInitInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinInterval || d > MaxInterval {
			return fmt.Errorf("xmodem: init interval %v out of range [%v, %v]", d, MinInterval, MaxInterval)
		}
		cfg.initInterval = d

		return nil
	})
}

// WithBlockTimeout sets how long either side waits for the next protocol byte.
func WithBlockTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinInterval || d > MaxInterval {
			return fmt.Errorf("xmodem: block timeout %v out of range [%v, %v]", d, MinInterval, MaxInterval)
		}
		cfg.blockTimeout = d

		return nil
	})
}

// WithMaxTimeouts sets how many consecutive timeouts a sender tolerates, in [1, MaxTimeoutLimit].
func WithMaxTimeouts(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxTimeoutLimit {
			return fmt.Errorf("xmodem: max timeouts %d out of range [1, %d]", n, MaxTimeoutLimit)
		}
		cfg.maxTimeouts = n

		return nil
	})
}

// WithMetrics shares m between sessions, typically the link's transfer counters.
func WithMetrics(m *Metrics) Option {
	return optFunc(func(cfg *Config) error {
		if m == nil {
			return errors.New("xmodem: metrics must not be nil")
		}
		cfg.metrics = m

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("xmodem: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
