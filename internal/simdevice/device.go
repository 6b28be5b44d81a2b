// Package simdevice simulates the controller side of the device protocol: status
// polls, directory listings, checksums, removals and block transfers over an
// in-memory file system.
package simdevice

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/xmodem"
)

const tickInterval = 10 * time.Millisecond

// Device is a simulated controller. It is safe for concurrent use.
type Device struct {
	logger logger.Logger
	xopts  []xmodem.Option

	mu          sync.Mutex
	files       map[string][]byte
	state       string
	pollReplies bool
	commands    []string
	polls       int
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTransferOptions sets the block transfer options. They must match the peer's.
func WithTransferOptions(opts ...xmodem.Option) Option {
	return func(d *Device) { d.xopts = append(d.xopts, opts...) }
}

// WithFile adds a file to the simulated storage.
func WithFile(path string, content []byte) Option {
	return func(d *Device) { d.files[path] = content }
}

// New creates an idle device with empty storage.
func New(opts ...Option) *Device {
	d := &Device{
		logger:      logger.GetLogger(),
		files:       make(map[string][]byte),
		state:       "Idle",
		pollReplies: true,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// PutFile stores content at path.
func (d *Device) PutFile(path string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = append([]byte(nil), content...)
}

// File returns the content stored at path.
func (d *Device) File(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[path]

	return b, ok
}

// SetState sets the state token reported in status records.
func (d *Device) SetState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

// SetPollReplies enables or disables answers to status polls.
func (d *Device) SetPollReplies(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollReplies = enabled
}

// Commands returns the text commands received so far, status polls excluded.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.commands...)
}

// Polls returns the number of status polls received.
func (d *Device) Polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.polls
}

// Serve accepts connections on ln and serves each of them until ctx is done.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}
		d.logger.Info("simulated device accepted connection", "remoteAddr", conn.RemoteAddr().String())

		go func() {
			if err := d.ServeConn(ctx, conn); err != nil {
				d.logger.Warn("simulated device connection failed", "error", err)
			}
		}()
	}
}

// ServeConn speaks the device protocol on conn until it is closed or ctx is done.
// conn is closed on return.
func (d *Device) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	xopts := append([]xmodem.Option{xmodem.WithLogger(d.logger)}, d.xopts...)
	xcfg, err := xmodem.NewConfig(xopts...)
	if err != nil {
		return err
	}

	s := &session{dev: d, w: conn, xcfg: xcfg}

	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}

			return err
		case b := <-chunks:
			if err := s.feed(time.Now(), b); err != nil {
				return err
			}
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// session is the protocol state of one connection.
type session struct {
	dev  *Device
	w    io.Writer
	xcfg *xmodem.Config
	line []byte
	xfer xmodem.Session
}

func (s *session) feed(now time.Time, b []byte) error {
	if s.xfer != nil {
		rest := s.xfer.Feed(now, b)
		if s.xfer != nil && !s.xfer.Done() {
			return nil
		}
		s.xfer = nil
		b = rest
	}

	for i, c := range b {
		switch c {
		case '?':
			if err := s.status(); err != nil {
				return err
			}
		case '\n':
			cmd := strings.TrimSpace(string(s.line))
			s.line = s.line[:0]
			if err := s.command(now, cmd); err != nil {
				return err
			}
			if s.xfer != nil {
				// the rest of the chunk belongs to the transfer
				return s.feed(now, b[i+1:])
			}
		default:
			s.line = append(s.line, c)
		}
	}

	return nil
}

func (s *session) tick(now time.Time) {
	if s.xfer == nil {
		return
	}
	if d := s.xfer.Deadline(); !d.IsZero() && !now.Before(d) {
		s.xfer.Expire(now)
	}
	if s.xfer != nil && s.xfer.Done() {
		s.xfer = nil
	}
}

func (s *session) write(format string, args ...any) error {
	_, err := fmt.Fprintf(s.w, format, args...)
	return err
}

func (s *session) status() error {
	d := s.dev
	d.mu.Lock()
	d.polls++
	reply, state := d.pollReplies, d.state
	d.mu.Unlock()

	if !reply {
		return nil
	}

	return s.write("<%s|MPos:0.000,0.000,0.000,0.000,0.000|WPos:0.000,0.000,0.000,0.000,0.000|F:0.0,0.0,100.0|S:0.0,0.0,100.0,0,0|T:0,0.000>\n", state)
}

func (s *session) command(now time.Time, cmd string) error {
	if cmd == "" {
		return nil
	}

	d := s.dev
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
	d.logger.Debug("simulated device command", "cmd", cmd)

	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "ls":
		return s.list(lastField(arg))
	case "rm":
		d.mu.Lock()
		delete(d.files, arg)
		d.mu.Unlock()

		return s.write("ok\n")
	case "md5sum":
		data, ok := d.File(arg)
		if !ok {
			return s.write("\x04\n")
		}

		return s.write("%s %s\n\x04", md5hex(data), arg)
	case "upload":
		s.receive(now, arg)
		return nil
	case "download":
		data, ok := d.File(arg)
		if !ok {
			return s.write("error: %s not found\n", arg)
		}

		return s.send(now, arg, data)
	default:
		return s.write("ok\n")
	}
}

// list writes one "name size" line per entry of dir, then EOT.
func (s *session) list(dir string) error {
	prefix := strings.TrimSuffix(dir, "/") + "/"

	d := s.dev
	d.mu.Lock()
	entries := make(map[string]int)
	for path, data := range d.files {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			entries[rest[:idx+1]] = 0
			continue
		}
		entries[rest] = len(data)
	}
	d.mu.Unlock()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name + " " + strconv.Itoa(entries[name]) + "\n")
	}
	sb.WriteByte(0x04)

	return s.write("%s", sb.String())
}

func (s *session) receive(now time.Time, path string) {
	d := s.dev
	r := xmodem.NewReceiver(s.w, s.xcfg, "", nil, func(res xmodem.Result) {
		if !res.OK() {
			d.logger.Warn("simulated device upload failed", "path", path, "error", res.Err)
			return
		}
		if sum := md5hex(res.Payload); sum != res.Checksum {
			d.logger.Warn("simulated device upload checksum mismatch", "path", path, "got", sum, "want", res.Checksum)
			return
		}
		d.PutFile(path, res.Payload)
		d.logger.Debug("simulated device stored upload", "path", path, "size", len(res.Payload))
	})
	s.xfer = r
	r.Start(now)
}

func (s *session) send(now time.Time, path string, data []byte) error {
	snd, err := xmodem.NewSender(s.w, s.xcfg, md5hex(data), data, nil, func(res xmodem.Result) {
		s.dev.logger.Debug("simulated device download ended", "path", path, "error", res.Err)
	})
	if err != nil {
		return err
	}
	s.xfer = snd
	snd.Start(now)

	return nil
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "/"
	}

	return fields[len(fields)-1]
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
