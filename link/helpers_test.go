package link

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/simdevice"
	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/xmodem"
)

const (
	testBlockSize = 128
	waitFor       = 3 * time.Second
	waitTick      = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	if lv, err := logger.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lv)
	}
	os.Exit(m.Run())
}

// recorder keeps every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func newRecorder(b *bus.Bus) *recorder {
	r := &recorder{}
	b.SubscribeAll(func(ev bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})

	return r
}

func (r *recorder) all() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]bus.Event(nil), r.events...)
}

func recorded[E bus.Event](r *recorder) []E {
	var out []E
	for _, ev := range r.all() {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}

	return out
}

// pipePeer is the device end of a net.Pipe. It reads continuously so link writes
// never block.
type pipePeer struct {
	conn net.Conn
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (p *pipePeer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.buf.String()
}

func (p *pipePeer) write(t *testing.T, s string) {
	t.Helper()
	_, err := p.conn.Write([]byte(s))
	require.NoError(t, err)
}

func (p *pipePeer) waitFor(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return p.String() == want },
		waitFor, waitTick, "want %q, got %q", want, p.String())
}

func newTestLink(t *testing.T, opts ...Option) (*Link, *recorder) {
	t.Helper()

	base := []Option{
		WithLogger(logger.NewPermissiveMockLogger()),
		WithKeepAlive(false),
		WithPollTick(MinPollTick),
		WithSettleDelay(10 * time.Millisecond),
		WithTransferOptions(
			xmodem.WithBlockSize(testBlockSize),
			xmodem.WithInitInterval(200*time.Millisecond),
			xmodem.WithBlockTimeout(time.Second),
		),
	}
	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	l, err := New(context.Background(), cfg)
	require.NoError(t, err)
	rec := newRecorder(l.Bus())
	t.Cleanup(func() { _ = l.Close() })

	return l, rec
}

// startPipe connects l to a pipe peer.
func startPipe(t *testing.T, l *Link) *pipePeer {
	t.Helper()

	client, server := net.Pipe()
	p := &pipePeer{conn: server}
	go func() {
		b := make([]byte, 1024)
		for {
			n, err := server.Read(b)
			if n > 0 {
				p.mu.Lock()
				p.buf.Write(b[:n])
				p.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = server.Close() })

	require.NoError(t, l.StartWith(client, "pipe"))
	require.True(t, l.Connected())

	return p
}

// startDevice serves a simulated device on a loopback port and connects l to it.
func startDevice(t *testing.T, l *Link, opts ...simdevice.Option) *simdevice.Device {
	t.Helper()

	base := []simdevice.Option{
		simdevice.WithLogger(logger.NewPermissiveMockLogger()),
		simdevice.WithTransferOptions(
			xmodem.WithBlockSize(testBlockSize),
			xmodem.WithInitInterval(200*time.Millisecond),
			xmodem.WithBlockTimeout(time.Second),
		),
	}
	dev := simdevice.New(append(base, opts...)...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = dev.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, l.SetTarget(bus.Target{Name: "sim", IP: "127.0.0.1", Port: addr.Port}))
	require.NoError(t, l.Start())
	require.True(t, l.Connected())

	return dev
}
