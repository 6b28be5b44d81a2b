// Package proxy lets controller software on the network share the device
// connection. Bytes written by a client go to the link; bytes from the device are
// copied to every client.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/pool"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/internal/util"
	"github.com/arloliu/go-carvera/logger"
)

// Defaults.
const (
	DefaultAddr         = ":2222"
	DefaultWriteTimeout = 5 * time.Second
)

// ErrStarted is returned by Start on a running Server.
var ErrStarted = errors.New("proxy: already started")

// Link is the part of link.Link the proxy uses.
type Link interface {
	Bus() *bus.Bus
	Start() error
	Stop() error
	Connected() bool
	Send(data []byte) error
	Lease() (release func())
}

// Server accepts proxy clients.
type Server struct {
	addr         string
	link         Link
	logger       logger.Logger
	writeTimeout time.Duration

	clients *xsync.MapOf[uint64, *client]
	nextID  atomic.Uint64
	// induced is set when a client caused the link to connect.
	induced atomic.Bool

	mu    sync.Mutex
	ln    net.Listener
	tasks *task.Manager
}

type client struct {
	id        uint64
	conn      net.Conn
	release   func()
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.release()
	})
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the TCP listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithWriteTimeout bounds a write to one client.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a proxy for l.
func NewServer(l Link, opts ...Option) *Server {
	s := &Server{
		addr:         DefaultAddr,
		link:         l,
		logger:       logger.GetLogger(),
		writeTimeout: DefaultWriteTimeout,
		clients:      xsync.NewMapOf[uint64, *client](),
	}
	for _, opt := range opts {
		opt(s)
	}

	bus.Subscribe(l.Bus(), func(ev bus.DataEvent) { s.mirror(ev.Data) })
	bus.Subscribe(l.Bus(), func(bus.DisconnectEvent) { s.closeClients() })

	return s
}

// Start listens on the configured address and accepts clients until ctx is done
// or Close is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return ErrStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.tasks = task.NewManager(ctx, s.logger)
	s.logger.Info("proxy listening", "addr", ln.Addr().String())

	if err := s.tasks.Start("proxy-accept", func(ctx context.Context) { s.acceptLoop(ctx, ln) }); err != nil {
		_ = ln.Close()
		s.ln = nil

		return err
	}
	_ = s.tasks.Start("proxy-close", func(ctx context.Context) {
		<-ctx.Done()
		_ = ln.Close()
	})

	return nil
}

// Addr returns the listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.clients.Size()
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.ln = nil
	s.mu.Unlock()

	if tasks == nil {
		return nil
	}
	tasks.Stop()
	s.closeClients()
	tasks.Wait()

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("proxy accept failed", "error", err)
			}

			return
		}

		c := &client{id: s.nextID.Add(1), conn: conn, release: s.link.Lease()}
		s.clients.Store(c.id, c)
		s.logger.Info("proxy client connected", "id", c.id, "remoteAddr", conn.RemoteAddr().String(), "clients", s.clients.Size())

		if err := s.tasks.Start(fmt.Sprintf("proxy-client-%d", c.id), func(ctx context.Context) { s.serve(ctx, c) }); err != nil {
			s.drop(c)
			return
		}

		if !s.link.Connected() {
			s.induced.Store(true)
			if err := s.link.Start(); err != nil {
				s.logger.Warn("proxy could not connect device", "error", err)
			}
		}
	}
}

// serve copies client bytes to the link until the client leaves.
func (s *Server) serve(ctx context.Context, c *client) {
	defer s.drop(c)

	bufp := pool.GetReadBuffer()
	defer pool.PutReadBuffer(bufp)
	buf := *bufp

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if serr := s.link.Send(buf[:n]); serr != nil {
				s.logger.Debug("proxy client send rejected", "id", c.id, "data", util.Readable(buf[:n]), "error", serr)
			}
		}
		if err != nil || ctx.Err() != nil {
			return
		}
	}
}

// drop removes c. The last client of an induced connection stops the link.
func (s *Server) drop(c *client) {
	if _, ok := s.clients.LoadAndDelete(c.id); !ok {
		c.close()
		return
	}
	c.close()

	left := s.clients.Size()
	s.logger.Info("proxy client disconnected", "id", c.id, "clients", left)
	if left == 0 && s.induced.CompareAndSwap(true, false) {
		s.logger.Debug("last proxy client left, stopping induced connection")
		if err := s.link.Stop(); err != nil {
			s.logger.Warn("proxy could not stop device link", "error", err)
		}
	}
}

func (s *Server) mirror(data []byte) {
	s.clients.Range(func(_ uint64, c *client) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if _, err := c.conn.Write(data); err != nil {
			s.logger.Debug("proxy client write failed", "id", c.id, "error", err)
			c.close()
		}

		return true
	})
}

func (s *Server) closeClients() {
	s.clients.Range(func(_ uint64, c *client) bool {
		c.close()
		return true
	})
}
