// Package web serves browser clients over a websocket. Clients send JSON commands
// and receive the link's events as JSON notifications. The server also exposes
// the prometheus metrics of the process.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/link"
	"github.com/arloliu/go-carvera/logger"
)

// Defaults.
const (
	DefaultAddr      = ":8001"
	DefaultWSPath    = "/ws"
	DefaultQueueSize = 256
	// DefaultCommandRate and DefaultCommandBurst bound the commands one client may
	// send. Excess commands are answered with an error instead of reaching the device.
	DefaultCommandRate  = rate.Limit(20)
	DefaultCommandBurst = 40

	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 25 * time.Second
	shutdownTimeout = 5 * time.Second
	maxMessageSize  = 64 << 20
)

// ErrStarted is returned by Start on a running Server.
var ErrStarted = errors.New("web: already started")

// Link is the part of link.Link the web server uses.
type Link interface {
	Bus() *bus.Bus
	Connected() bool
	ListDirectory(dir string) error
	Remove(file string) error
	Checksum(file string) error
	SendString(s string) error
	Upload(file string, payload []byte, done func(link.UploadResult)) (string, error)
	Download(file, expected string, done func(link.DownloadResult)) error
}

// Server is the HTTP and websocket server.
type Server struct {
	addr      string
	link      Link
	logger    logger.Logger
	gatherer  prometheus.Gatherer
	queueSize int
	cmdRate   rate.Limit
	cmdBurst  int
	upgrader  websocket.Upgrader

	clients *xsync.MapOf[string, *client]

	stateMu sync.RWMutex
	state   snapshot

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	tasks *task.Manager
}

// snapshot is replayed to each new client.
type snapshot struct {
	found     *bus.Target
	status    *bus.Status
	connected bool
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithQueueSize sets how many notifications may wait for a slow client before
// new ones are dropped for it.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithCommandRate sets the per client command rate limit.
func WithCommandRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		if limit > 0 && burst > 0 {
			s.cmdRate, s.cmdBurst = limit, burst
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

// NewServer creates a web server for l.
func NewServer(l Link, opts ...Option) *Server {
	s := &Server{
		addr:      DefaultAddr,
		link:      l,
		logger:    logger.GetLogger(),
		queueSize: DefaultQueueSize,
		cmdRate:   DefaultCommandRate,
		cmdBurst:  DefaultCommandBurst,
		clients:   xsync.NewMapOf[string, *client](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	l.Bus().SubscribeAll(s.onEvent)

	return s
}

// Handler returns the HTTP handler: the websocket endpoint, /metrics when a
// gatherer is configured, and /state.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultWSPath, s.handleWS)
	mux.HandleFunc("/state", s.handleState)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start listens on the configured address and serves until ctx is done or Close
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return ErrStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv, s.ln = srv, ln
	s.tasks = task.NewManager(ctx, s.logger)
	s.logger.Info("web server listening", "addr", ln.Addr().String())

	_ = s.tasks.Start("web-serve", func(context.Context) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server failed", "error", err)
		}
	})
	_ = s.tasks.Start("web-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		s.closeClients()
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

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	return s.clients.Size()
}

// Close shuts the server down and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks, s.srv, s.ln = nil, nil, nil
	s.mu.Unlock()

	if tasks == nil {
		s.closeClients()
		return nil
	}
	tasks.Stop()
	tasks.Wait()

	return nil
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.stateMu.RLock()
	st := struct {
		Connected bool        `json:"connected"`
		Found     *bus.Target `json:"found,omitempty"`
		Status    *bus.Status `json:"status,omitempty"`
	}{s.state.connected, s.state.found, s.state.status}
	s.stateMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s.queueSize, s.logger)
	c.limiter = rate.NewLimiter(s.cmdRate, s.cmdBurst)
	s.clients.Store(c.id, c)
	s.logger.Info("web client connected", "id", c.id, "remoteAddr", r.RemoteAddr, "clients", s.clients.Size())

	s.stateMu.RLock()
	st := s.state
	s.stateMu.RUnlock()
	if st.found != nil {
		c.enqueue(Message{Found: st.found})
	}
	if st.status != nil {
		c.enqueue(Message{Status: st.status})
	}
	connected := s.link.Connected()
	c.enqueue(Message{Connected: &connected})

	go c.writeLoop()
	s.readLoop(c)
}

// readLoop handles client frames until the connection ends. A binary frame holds
// the payload of the upload command that follows it.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.clients.Delete(c.id)
		c.close()
		s.logger.Info("web client disconnected", "id", c.id, "clients", s.clients.Size())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	var payload []byte
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("web client read failed", "id", c.id, "error", err)
			}

			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if typ == websocket.BinaryMessage {
			payload = data
			continue
		}

		if !c.limiter.Allow() {
			s.logger.Warn("web client over command rate", "id", c.id)
			c.enqueue(Message{Error: &Error{Op: "rate", Message: "too many commands"}})
			payload = nil

			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(Message{Error: &Error{Op: "decode", Message: err.Error()}})
			payload = nil

			continue
		}
		s.handle(c, cmd, payload)
		payload = nil
	}
}

// handle runs one command. Failures reach every client through the link's
// ErrorEvent.
func (s *Server) handle(c *client, cmd Command, payload []byte) {
	var err error
	switch {
	case cmd.LS != "":
		err = s.link.ListDirectory(cmd.LS)
	case cmd.RM != "":
		err = s.link.Remove(cmd.RM)
	case cmd.Download != "":
		err = s.link.Download(cmd.Download, cmd.MD5, func(r link.DownloadResult) {
			if r.Err != nil {
				return
			}
			c.enqueue(Message{Filedata: &Filedata{
				Path:    r.Path,
				Data:    string(r.Payload),
				MD5:     r.Checksum,
				Matched: r.Matched,
			}})
		})
	case cmd.Gcmd != "":
		err = s.link.SendString(cmd.Gcmd + "\n")
	case cmd.Upload != "":
		if payload == nil {
			c.enqueue(Message{Error: &Error{Op: "upload", Message: "no payload frame before upload command"}})
			return
		}
		_, err = s.link.Upload(cmd.Upload, payload, func(r link.UploadResult) {
			if r.Err == nil {
				c.enqueue(Message{Uploaded: r.Path})
			}
		})
	case cmd.MD5 != "":
		err = s.link.Checksum(cmd.MD5)
	default:
		s.logger.Debug("web client sent empty command", "id", c.id)
		return
	}
	if err != nil {
		s.logger.Debug("web command failed", "id", c.id, "error", err)
	}
}

func (s *Server) onEvent(ev bus.Event) {
	s.remember(ev)

	msg, ok := messageFor(ev)
	if !ok {
		return
	}
	s.clients.Range(func(_ string, c *client) bool {
		c.enqueue(msg)
		return true
	})
}

func (s *Server) remember(ev bus.Event) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch e := ev.(type) {
	case bus.ConnectEvent:
		s.state.connected = true
	case bus.DisconnectEvent:
		s.state.connected = false
	case bus.DeviceFoundEvent:
		t := e.Target
		s.state.found = &t
	case bus.StatusEvent:
		st := e.Status
		s.state.status = &st
	}
}

func (s *Server) closeClients() {
	s.clients.Range(func(id string, c *client) bool {
		c.close()
		s.clients.Delete(id)

		return true
	})
}
