package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/status"
	"github.com/arloliu/go-carvera/xmodem"
)

// Default values.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultRequestTimeout = 3 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPollTick       = 50 * time.Millisecond
	DefaultStatusTimeout  = 3 * time.Second
	DefaultNewlineTimeout = 10 * time.Second
	DefaultSettleDelay    = 100 * time.Millisecond
	DefaultRequestQueue   = 16
	DefaultInboundQueue   = 64
)

// Range limits.
const (
	MinPollTick = 5 * time.Millisecond
	MaxPollTick = time.Second

	MaxSettleDelay = 5 * time.Second
)

// Config holds the configuration of a Link.
type Config struct {
	target bus.Target

	connectTimeout time.Duration
	requestTimeout time.Duration
	writeTimeout   time.Duration
	pollTick       time.Duration
	statusTimeout  time.Duration
	newlineTimeout time.Duration
	settleDelay    time.Duration

	runRefresh     time.Duration
	idleRefresh    time.Duration
	defaultRefresh time.Duration

	keepAlive    bool
	lineMode     bool
	requestQueue int
	inboundQueue int

	transferOpts []xmodem.Option
	dialer       Dialer
	bus          *bus.Bus
	logger       logger.Logger
}

// NewConfig creates a link configuration. opts are applied in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		writeTimeout:   DefaultWriteTimeout,
		pollTick:       DefaultPollTick,
		statusTimeout:  DefaultStatusTimeout,
		newlineTimeout: DefaultNewlineTimeout,
		settleDelay:    DefaultSettleDelay,
		runRefresh:     status.RefreshHint("Run"),
		idleRefresh:    status.RefreshHint("Idle"),
		defaultRefresh: status.RefreshHint(""),
		keepAlive:      true,
		lineMode:       true,
		requestQueue:   DefaultRequestQueue,
		inboundQueue:   DefaultInboundQueue,
		dialer:         DialTCP,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Target returns the initial target, zero when none was configured.
func (cfg *Config) Target() bus.Target { return cfg.target }

// ConnectTimeout returns the dial timeout.
func (cfg *Config) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// RequestTimeout returns how long a caller waits to hand a request to the link.
func (cfg *Config) RequestTimeout() time.Duration { return cfg.requestTimeout }

// PollTick returns the keep-alive tick.
func (cfg *Config) PollTick() time.Duration { return cfg.pollTick }

// StatusTimeout returns how long an unanswered status poll holds the send queue.
func (cfg *Config) StatusTimeout() time.Duration { return cfg.statusTimeout }

// NewlineTimeout returns how long a command waiting for its reply line holds the send queue.
func (cfg *Config) NewlineTimeout() time.Duration { return cfg.newlineTimeout }

// SettleDelay returns the pause between a transfer command and the block protocol.
func (cfg *Config) SettleDelay() time.Duration { return cfg.settleDelay }

// KeepAlive reports whether the link polls the device on its own.
func (cfg *Config) KeepAlive() bool { return cfg.keepAlive }

// LineMode reports whether inbound text is framed into lines.
func (cfg *Config) LineMode() bool { return cfg.lineMode }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// refresh returns the keep-alive interval for the last observed machine state.
func (cfg *Config) refresh(state string) time.Duration {
	switch state {
	case "Run":
		return cfg.runRefresh
	case "Idle":
		return cfg.idleRefresh
	default:
		return cfg.defaultRefresh
	}
}

// Option is a functional option for configuring a link.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithTarget sets the device to connect to.
func WithTarget(t bus.Target) Option {
	return optFunc(func(cfg *Config) error {
		if t.IsZero() {
			return errors.New("link: target has no address")
		}
		cfg.target = t

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("link: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithRequestTimeout sets how long callers wait to hand a request to the link goroutine.
func WithRequestTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("link: request timeout must be positive")
		}
		cfg.requestTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the write deadline for transports that support deadlines.
// Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return errors.New("link: write timeout must not be negative")
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithPollTick sets the keep-alive tick. It also drives transfer and settle timers.
func WithPollTick(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinPollTick || d > MaxPollTick {
			return fmt.Errorf("link: poll tick %v out of range [%v, %v]", d, MinPollTick, MaxPollTick)
		}
		cfg.pollTick = d

		return nil
	})
}

// WithStatusTimeout sets how long an unanswered status poll holds back other commands.
func WithStatusTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("link: status timeout must be positive")
		}
		cfg.statusTimeout = d

		return nil
	})
}

// WithNewlineTimeout sets how long a command waiting for its reply line holds back other commands.
func WithNewlineTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("link: newline timeout must be positive")
		}
		cfg.newlineTimeout = d

		return nil
	})
}

// WithSettleDelay sets the pause between an upload or download command and the
// start of the block protocol.
func WithSettleDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxSettleDelay {
			return fmt.Errorf("link: settle delay %v out of range [0, %v]", d, MaxSettleDelay)
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithRefresh sets the keep-alive intervals used while the machine runs, while it
// is idle, and in every other state.
func WithRefresh(run, idle, other time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if run <= 0 || idle <= 0 || other <= 0 {
			return errors.New("link: refresh intervals must be positive")
		}
		cfg.runRefresh, cfg.idleRefresh, cfg.defaultRefresh = run, idle, other

		return nil
	})
}

// WithKeepAlive enables or disables the link's own status poll. Enabled by default.
func WithKeepAlive(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.keepAlive = enabled
		return nil
	})
}

// WithLineMode selects line framing of inbound text (the default) or raw mode, where
// each read is interpreted as it arrives.
func WithLineMode(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.lineMode = enabled
		return nil
	})
}

// WithTransferOptions sets the block transfer options, such as the block size.
func WithTransferOptions(opts ...xmodem.Option) Option {
	return optFunc(func(cfg *Config) error {
		cfg.transferOpts = append(cfg.transferOpts, opts...)
		return nil
	})
}

// WithDialer replaces DialTCP.
func WithDialer(d Dialer) Option {
	return optFunc(func(cfg *Config) error {
		if d == nil {
			return errors.New("link: dialer must not be nil")
		}
		cfg.dialer = d

		return nil
	})
}

// WithBus sets the bus events are published on. A new bus is created by default.
func WithBus(b *bus.Bus) Option {
	return optFunc(func(cfg *Config) error {
		if b == nil {
			return errors.New("link: bus must not be nil")
		}
		cfg.bus = b

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("link: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
