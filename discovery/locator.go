// Package discovery finds devices on the local network and announces this bridge
// as one.
//
// Devices broadcast "name,ip,port[,...]" datagrams to UDP port 3333. A Locator
// listens for them and publishes a bus.DeviceFoundEvent per distinct device. An
// Announcer broadcasts the same form so that controller software on the network
// connects to the bridge's proxy port instead of the device.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/internal/util"
	"github.com/arloliu/go-carvera/logger"
)

// DefaultLocateAddr is where devices send their beacons.
const DefaultLocateAddr = ":3333"

const maxBeaconSize = 512

// ErrStarted is returned by Start on a running Locator or Announcer.
var ErrStarted = errors.New("discovery: already started")

// Locator listens for device beacons.
type Locator struct {
	addr     string
	pub      bus.Publisher
	logger   logger.Logger
	ignoreIP string

	found *xsync.MapOf[string, bus.Target]

	mu    sync.Mutex
	conn  *net.UDPConn
	tasks *task.Manager
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithLocateAddr sets the UDP listen address. The default is DefaultLocateAddr.
func WithLocateAddr(addr string) LocatorOption {
	return func(l *Locator) { l.addr = addr }
}

// WithIgnoreIP drops beacons carrying ip, normally the bridge's own address so
// that its announcements are not mistaken for a device.
func WithIgnoreIP(ip string) LocatorOption {
	return func(l *Locator) { l.ignoreIP = ip }
}

// WithLocatorLogger sets the logger.
func WithLocatorLogger(lg logger.Logger) LocatorOption {
	return func(l *Locator) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLocator creates a Locator publishing to pub.
func NewLocator(pub bus.Publisher, opts ...LocatorOption) *Locator {
	l := &Locator{
		addr:   DefaultLocateAddr,
		pub:    pub,
		logger: logger.GetLogger(),
		found:  xsync.NewMapOf[string, bus.Target](),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start binds the listen address and reads beacons until ctx is done or Close is called.
func (l *Locator) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return ErrStarted
	}

	laddr, err := net.ResolveUDPAddr("udp4", l.addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve %s: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("discovery: listen %s: %w", l.addr, err)
	}

	l.conn = conn
	l.tasks = task.NewManager(ctx, l.logger)
	l.logger.Info("locator listening", "addr", conn.LocalAddr().String())

	if err := l.tasks.Start("locate", func(ctx context.Context) { l.readLoop(ctx, conn) }); err != nil {
		_ = conn.Close()
		l.conn = nil

		return err
	}
	// unblock ReadFromUDP when ctx ends
	_ = l.tasks.Start("locate-close", func(ctx context.Context) {
		<-ctx.Done()
		_ = conn.Close()
	})

	return nil
}

// Addr returns the bound address, nil before Start.
func (l *Locator) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	return l.conn.LocalAddr()
}

// Found returns the devices seen so far.
func (l *Locator) Found() []bus.Target {
	targets := make([]bus.Target, 0, l.found.Size())
	l.found.Range(func(_ string, t bus.Target) bool {
		targets = append(targets, t)
		return true
	})

	return targets
}

// Close stops listening.
func (l *Locator) Close() error {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.conn = nil
	l.mu.Unlock()

	if tasks == nil {
		return nil
	}
	tasks.Stop()
	tasks.Wait()

	return nil
}

func (l *Locator) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("locator read failed", "error", err)
			}

			return
		}
		l.handle(buf[:n], from)
	}
}

func (l *Locator) handle(msg []byte, from *net.UDPAddr) {
	t, err := ParseBeacon(msg)
	if err != nil {
		l.logger.Debug("locator dropped datagram", "from", from.String(), "data", util.Readable(msg), "error", err)
		return
	}
	if l.ignoreIP != "" && t.IP == l.ignoreIP {
		return
	}

	if _, seen := l.found.LoadOrStore(t.Addr(), t); seen {
		return
	}
	l.logger.Info("device found", "target", t.String(), "from", from.String())
	l.pub.Publish(bus.DeviceFoundEvent{Target: t})
}

// ParseBeacon parses a "name,ip,port[,...]" datagram.
func ParseBeacon(msg []byte) (bus.Target, error) {
	return bus.ParseTarget(strings.TrimRight(string(msg), "\x00\r\n "))
}
