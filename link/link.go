package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/pool"
	"github.com/arloliu/go-carvera/internal/queue"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/linebuf"
	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/status"
	"github.com/arloliu/go-carvera/xmodem"
)

// request runs fn on the link goroutine.
type request struct {
	fn    func(now time.Time) error
	reply chan error
}

type readResult struct {
	gen  uint64
	data []byte
	err  error
}

// Link is the single owner of a device connection.
type Link struct {
	cfg    *Config
	logger logger.Logger
	bus    *bus.Bus
	disp   *bus.Dispatcher
	tasks  *task.Manager
	xcfg   *xmodem.Config

	reqs    chan request
	inbound chan readResult

	state     atomicState
	transfer  atomicTransfer
	leases    atomic.Int32
	metrics   Metrics
	xmetrics  xmodem.Metrics
	closeOnce sync.Once

	// owned by the link goroutine
	target       bus.Target
	conn         io.ReadWriteCloser
	gen          uint64
	broken       error
	framer       *linebuf.Framer
	interp       *status.Interpreter
	sendQ        queue.Queue[[]byte]
	waitStatus   int
	statusAt     time.Time
	waitNL       bool
	nlAt         time.Time
	lastActivity time.Time
	xfer         *transfer
}

// New creates a Link and starts its goroutine. The link stays disconnected until
// Start or StartWith is called.
func New(ctx context.Context, cfg *Config) (*Link, error) {
	if cfg == nil {
		return nil, errors.New("link: config is nil")
	}

	b := cfg.bus
	if b == nil {
		b = bus.New(bus.WithLogger(cfg.logger))
	}

	l := &Link{
		cfg:     cfg,
		logger:  cfg.logger,
		bus:     b,
		disp:    bus.NewDispatcher(b),
		reqs:    make(chan request, cfg.requestQueue),
		inbound: make(chan readResult, cfg.inboundQueue),
		target:  cfg.target,
		sendQ:   queue.NewSliceQueue[[]byte](8),
	}

	xopts := make([]xmodem.Option, 0, len(cfg.transferOpts)+2)
	xopts = append(xopts, xmodem.WithLogger(cfg.logger))
	xopts = append(xopts, cfg.transferOpts...)
	xopts = append(xopts, xmodem.WithMetrics(&l.xmetrics))
	xcfg, err := xmodem.NewConfig(xopts...)
	if err != nil {
		l.disp.Close()
		return nil, err
	}
	l.xcfg = xcfg

	l.framer = linebuf.New(l.onFrame)
	l.interp = status.NewInterpreter(l.disp, status.WithLogger(cfg.logger))
	l.tasks = task.NewManager(ctx, cfg.logger)

	bus.Subscribe(b, func(ev bus.DeviceFoundEvent) {
		_ = l.SetTarget(ev.Target)
	})

	if err := l.tasks.Start("link", l.run); err != nil {
		l.disp.Close()
		return nil, err
	}

	return l, nil
}

// Bus returns the bus the link publishes on.
func (l *Link) Bus() *bus.Bus { return l.bus }

// Config returns the link configuration.
func (l *Link) Config() *Config { return l.cfg }

// Metrics returns the link counters.
func (l *Link) Metrics() *Metrics { return &l.metrics }

// TransferMetrics returns the block transfer counters.
func (l *Link) TransferMetrics() *xmodem.Metrics { return &l.xmetrics }

// State returns the connection state.
func (l *Link) State() State { return l.state.Get() }

// Transfer returns the block transfer state.
func (l *Link) Transfer() TransferState { return l.transfer.Get() }

// Connected reports whether the device is connected.
func (l *Link) Connected() bool { return l.state.Get() == Connected }

// Transferring reports whether a block transfer owns the connection.
func (l *Link) Transferring() bool { return l.transfer.Get() != Idle }

// Leases returns the number of keep-alive leases held.
func (l *Link) Leases() int { return int(l.leases.Load()) }

// Sync waits until every event published so far has been delivered and every
// completion callback has run.
func (l *Link) Sync() { l.disp.Sync() }

// SetTarget sets the device Start connects to. The link also follows
// DeviceFoundEvents published on its bus.
func (l *Link) SetTarget(t bus.Target) error {
	if t.IsZero() {
		l.fail("target", ErrNoTarget)
		return ErrNoTarget
	}

	return l.do("target", func(time.Time) error {
		if l.target != t {
			l.logger.Debug("link target set", "target", t.String())
		}
		l.target = t

		return nil
	})
}

// Start connects to the current target over TCP. It is a no-op while the link is
// connecting or connected.
func (l *Link) Start() error {
	var (
		target  bus.Target
		started bool
	)
	err := l.call(func(time.Time) error {
		if l.state.Get() != Disconnected {
			started = true
			return nil
		}
		if l.target.IsZero() {
			return ErrNoTarget
		}
		l.state.ToConnecting()
		target = l.target

		return nil
	})
	if err != nil {
		l.fail("start", err)
		return err
	}
	if started {
		return nil
	}

	l.logger.Debug("link dialing", "target", target.String(), "timeout", l.cfg.connectTimeout)
	conn, err := l.cfg.dialer(l.tasks.Context(), target.Addr(), l.cfg.connectTimeout)
	if err != nil {
		_ = l.call(func(time.Time) error {
			l.state.CompareAndSet(Connecting, Disconnected)
			return nil
		})
		err = fmt.Errorf("%w: dial %s: %w", ErrNotConnected, target.Addr(), err)
		l.fail("start", err)

		return err
	}

	var adopted atomic.Bool
	err = l.call(func(now time.Time) error {
		if l.state.Get() != Connecting {
			// stopped while dialing
			return ErrConnClosed
		}
		adopted.Store(true)

		return l.adopt(now, conn, target, "tcp")
	})
	if !adopted.Load() {
		_ = conn.Close()
	}
	if err != nil {
		l.fail("start", err)
	}

	return err
}

// StartWith adopts an already open transport, such as a serial port. label names
// the transport in the ConnectEvent. If the link is already started, StartWith is
// a no-op and the caller keeps ownership of conn.
func (l *Link) StartWith(conn io.ReadWriteCloser, label string) error {
	if conn == nil {
		err := fmt.Errorf("%w: nil transport", ErrNotConnected)
		l.fail("start", err)

		return err
	}

	return l.do("start", func(now time.Time) error {
		if !l.state.ToConnecting() {
			l.logger.Warn("link already started, transport not adopted", "transport", label)
			return nil
		}

		return l.adopt(now, conn, bus.Target{Name: label}, label)
	})
}

// Stop closes the connection. It is a no-op if the link is not started. A transfer
// in progress fails with ErrConnClosed.
func (l *Link) Stop() error {
	return l.do("stop", func(time.Time) error {
		l.stop()
		return nil
	})
}

// Send writes data to the device, subject to the status poll rules. A bare "?"
// is a status poll.
//
// While a block transfer owns the connection other data fails with ErrBusy. A poll
// is accepted but not written: it returns nil, publishes no SendEvent and is
// counted in Metrics.PollsSkipped. The transfer traffic itself keeps the
// connection alive.
func (l *Link) Send(data []byte) error {
	buf := bytes.Clone(data)

	return l.do("send", func(now time.Time) error {
		return l.send(now, buf)
	})
}

// SendString is Send for text.
func (l *Link) SendString(s string) error {
	return l.Send([]byte(s))
}

// ListDirectory requests a listing of dir. The result is published as one
// DirectoryListingEvent.
func (l *Link) ListDirectory(dir string) error {
	p, err := ListPath(dir)
	if err != nil {
		l.fail("ls", err)
		return err
	}

	return l.do("ls", func(now time.Time) error {
		return l.send(now, []byte("ls -e -s "+p+"\n"))
	})
}

// Remove deletes a file below GcodeDir.
func (l *Link) Remove(file string) error {
	p, err := RemovePath(file)
	if err != nil {
		l.fail("rm", err)
		return err
	}

	return l.do("rm", func(now time.Time) error {
		return l.send(now, []byte("rm "+p+"\n"))
	})
}

// Checksum requests the MD5 of a file. The answer is published as one ChecksumResultEvent.
func (l *Link) Checksum(file string) error {
	p, err := ChecksumPath(file)
	if err != nil {
		l.fail("md5sum", err)
		return err
	}

	return l.do("md5sum", func(now time.Time) error {
		return l.send(now, []byte("md5sum "+p+"\n"))
	})
}

// Lease registers a consumer that keeps the connection busy on its own, such as a
// proxied client. While any lease is held the link does not poll. release is
// idempotent.
func (l *Link) Lease() (release func()) {
	n := l.leases.Add(1)
	l.logger.Debug("link lease acquired", "leases", n)

	var once sync.Once

	return func() {
		once.Do(func() {
			n := l.leases.Add(-1)
			l.logger.Debug("link lease released", "leases", n)
		})
	}
}

// Close stops the link and its goroutine. Events published before Close are
// still delivered.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		_ = l.call(func(time.Time) error {
			l.stop()
			return nil
		})
		l.tasks.Stop()
		l.tasks.Wait()
		l.disp.Close()
	})

	return nil
}

// do runs fn on the link goroutine and publishes an ErrorEvent if it fails.
func (l *Link) do(op string, fn func(now time.Time) error) error {
	err := l.call(fn)
	if err != nil {
		l.fail(op, err)
	}

	return err
}

func (l *Link) call(fn func(now time.Time) error) error {
	ctx := l.tasks.Context()
	req := request{fn: fn, reply: make(chan error, 1)}

	timer := pool.GetTimer(l.cfg.requestTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return ErrClosed
	case <-timer.C:
		return ErrRequestTimeout
	case l.reqs <- req:
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ErrClosed
	}
}

func (l *Link) fail(op string, err error) {
	l.metrics.incErrors()
	l.logger.Warn("link operation failed", "op", op, "error", err)
	l.disp.Publish(bus.ErrorEvent{Op: op, Err: err})
}
