package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/logger"
)

// Announcer defaults.
const (
	DefaultAnnounceBind     = ":4444"
	DefaultAnnounceInterval = 500 * time.Millisecond
	DefaultProxyPort        = 2222
	announcePort            = 3333
)

// Announcer periodically broadcasts a beacon that presents the bridge as a device.
type Announcer struct {
	bind      string
	dest      string
	localIP   string
	proxyPort int
	interval  time.Duration
	logger    logger.Logger

	name atomic.Pointer[string]
	sent atomic.Uint64

	mu    sync.Mutex
	conn  *net.UDPConn
	tasks *task.Manager
}

// AnnouncerOption configures an Announcer.
type AnnouncerOption func(*Announcer)

// WithBind sets the local address beacons are sent from.
func WithBind(addr string) AnnouncerOption {
	return func(a *Announcer) { a.bind = addr }
}

// WithDestination sets where beacons are sent. The default is the broadcast
// address of the local network, port 3333.
func WithDestination(addr string) AnnouncerOption {
	return func(a *Announcer) { a.dest = addr }
}

// WithLocalIP sets the address announced. The default comes from LocalAddr.
func WithLocalIP(ip string) AnnouncerOption {
	return func(a *Announcer) { a.localIP = ip }
}

// WithProxyPort sets the announced port.
func WithProxyPort(port int) AnnouncerOption {
	return func(a *Announcer) { a.proxyPort = port }
}

// WithInterval sets the time between beacons.
func WithInterval(d time.Duration) AnnouncerOption {
	return func(a *Announcer) { a.interval = d }
}

// WithAnnouncerLogger sets the logger.
func WithAnnouncerLogger(lg logger.Logger) AnnouncerOption {
	return func(a *Announcer) {
		if lg != nil {
			a.logger = lg
		}
	}
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(opts ...AnnouncerOption) *Announcer {
	a := &Announcer{
		bind:      DefaultAnnounceBind,
		proxyPort: DefaultProxyPort,
		interval:  DefaultAnnounceInterval,
		logger:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// SetTarget names the beacon after the device being proxied.
func (a *Announcer) SetTarget(t bus.Target) {
	name := t.Name
	a.name.Store(&name)
}

// Follow names the beacon after every device found on b.
func (a *Announcer) Follow(b *bus.Bus) {
	bus.Subscribe(b, func(ev bus.DeviceFoundEvent) { a.SetTarget(ev.Target) })
}

// Sent returns the number of beacons sent.
func (a *Announcer) Sent() uint64 {
	return a.sent.Load()
}

// Message returns the current beacon.
func (a *Announcer) Message() string {
	announce := "PROXY"
	if p := a.name.Load(); p != nil && *p != "" {
		announce += " " + *p
	}

	return announce + "," + a.localIP + "," + strconv.Itoa(a.proxyPort) + ",0"
}

// Start binds the local address and sends a beacon every interval until ctx is
// done or Close is called.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return ErrStarted
	}
	if a.interval <= 0 {
		return fmt.Errorf("discovery: invalid announce interval %v", a.interval)
	}

	if a.localIP == "" || a.dest == "" {
		ip, bcast, err := LocalAddr()
		if err != nil {
			return err
		}
		if a.localIP == "" {
			a.localIP = ip.String()
		}
		if a.dest == "" {
			a.dest = net.JoinHostPort(bcast.String(), strconv.Itoa(announcePort))
		}
	}

	raddr, err := net.ResolveUDPAddr("udp4", a.dest)
	if err != nil {
		return fmt.Errorf("discovery: resolve %s: %w", a.dest, err)
	}
	laddr, err := net.ResolveUDPAddr("udp4", a.bind)
	if err != nil {
		return fmt.Errorf("discovery: resolve %s: %w", a.bind, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("discovery: listen %s: %w", a.bind, err)
	}

	a.conn = conn
	a.tasks = task.NewManager(ctx, a.logger)
	a.logger.Info("announcer started", "from", conn.LocalAddr().String(), "to", raddr.String(), "interval", a.interval)

	err = a.tasks.StartInterval("announce", func() bool {
		a.announce(conn, raddr)
		return true
	}, a.interval, true)
	if err != nil {
		_ = conn.Close()
		a.conn = nil

		return err
	}
	_ = a.tasks.Start("announce-close", func(ctx context.Context) {
		<-ctx.Done()
		_ = conn.Close()
	})

	return nil
}

// Close stops announcing.
func (a *Announcer) Close() error {
	a.mu.Lock()
	tasks := a.tasks
	a.tasks = nil
	a.conn = nil
	a.mu.Unlock()

	if tasks == nil {
		return nil
	}
	tasks.Stop()
	tasks.Wait()

	return nil
}

func (a *Announcer) announce(conn *net.UDPConn, to *net.UDPAddr) {
	msg := a.Message()
	if _, err := conn.WriteToUDP([]byte(msg), to); err != nil {
		a.logger.Debug("announce failed", "to", to.String(), "error", err)
		return
	}
	a.sent.Add(1)
}
