package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/pool"
	"github.com/arloliu/go-carvera/internal/util"
	"github.com/arloliu/go-carvera/linebuf"
	"github.com/arloliu/go-carvera/logger"
)

var pollCmd = []byte{'?'}

// run is the link goroutine. Every field marked as owned by it is only touched here.
func (l *Link) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stop()
			return

		case req := <-l.reqs:
			req.reply <- req.fn(time.Now())

		case rr := <-l.inbound:
			l.handleRead(time.Now(), rr)

		case now := <-ticker.C:
			l.tick(now)
		}

		if err := l.broken; err != nil {
			l.broken = nil
			l.fail("write", err)
			l.teardown(err)
		}
	}
}

// adopt takes ownership of conn and starts its reader.
func (l *Link) adopt(now time.Time, conn io.ReadWriteCloser, target bus.Target, transport string) error {
	l.gen++
	gen := l.gen
	l.conn = conn
	l.broken = nil
	l.resetProtocol()
	l.lastActivity = now

	err := l.tasks.Start(fmt.Sprintf("reader-%d", gen), func(ctx context.Context) {
		l.readLoop(ctx, conn, gen)
	})
	if err != nil {
		l.conn = nil
		l.state.Set(Disconnected)
		_ = conn.Close()

		return err
	}

	l.state.ToConnected()
	l.metrics.incConnects()
	l.logger.Info("device connected", "target", target.String(), "transport", transport)
	l.disp.Publish(bus.ConnectEvent{Target: target, Transport: transport})

	return nil
}

// readLoop copies inbound bytes to the link goroutine until the transport fails.
func (l *Link) readLoop(ctx context.Context, r io.Reader, gen uint64) {
	bufp := pool.GetReadBuffer()
	defer pool.PutReadBuffer(bufp)
	buf := *bufp

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !l.deliver(ctx, readResult{gen: gen, data: bytes.Clone(buf[:n])}) {
				return
			}
		}
		if err != nil {
			l.deliver(ctx, readResult{gen: gen, err: err})
			return
		}
	}
}

func (l *Link) deliver(ctx context.Context, rr readResult) bool {
	select {
	case <-ctx.Done():
		return false
	case l.inbound <- rr:
		return true
	}
}

func (l *Link) handleRead(now time.Time, rr readResult) {
	if rr.gen != l.gen || l.conn == nil {
		// left over from a connection already torn down
		return
	}

	if rr.err != nil {
		var cause error
		if !errors.Is(rr.err, io.EOF) {
			cause = rr.err
			l.fail("read", rr.err)
		}
		l.teardown(cause)

		return
	}

	l.onData(now, rr.data)
}

// onData demultiplexes inbound bytes between an active transfer and the text protocol.
func (l *Link) onData(now time.Time, data []byte) {
	l.lastActivity = now
	l.metrics.addBytesIn(len(data))
	if l.waitNL && bytes.IndexByte(data, '\n') >= 0 {
		l.waitNL = false
	}
	l.disp.Publish(bus.DataEvent{Data: data})

	if x := l.xfer; x != nil && x.phase != phaseQueued {
		if rest := l.feedTransfer(now, x, data); len(rest) > 0 {
			l.text(rest)
		}
	} else {
		l.text(data)
	}

	l.flush(now)
}

func (l *Link) text(data []byte) {
	if l.cfg.lineMode {
		l.framer.Feed(data)
		return
	}
	l.onFrame(linebuf.Frame{Data: data})
}

func (l *Link) onFrame(f linebuf.Frame) {
	if l.interp.OnFrame(f) && l.waitStatus > 0 {
		l.waitStatus = 0
	}
	l.framer.SetTerminator(l.interp.Terminator())
}

// send writes data or queues it behind an outstanding poll or reply.
func (l *Link) send(now time.Time, data []byte) error {
	if l.conn == nil || l.state.Get() != Connected {
		return ErrNotConnected
	}
	if len(data) == 0 {
		return ErrEmptyCommand
	}

	if bytes.Equal(data, pollCmd) {
		if l.xfer != nil {
			// the transfer keeps the connection busy
			l.metrics.incPollsSkipped()
			l.logger.Debug("status poll skipped during transfer")
			return nil
		}

		return l.writePoll(now)
	}

	if l.xfer != nil {
		return ErrBusy
	}

	if l.holding() {
		l.sendQ.Enqueue(data)
		l.metrics.incQueued(l.sendQ.Length())
		l.logger.Debug("command queued", "waitStatus", l.waitStatus, "waitNL", l.waitNL, "queued", l.sendQ.Length())

		return nil
	}

	return l.writeCommand(now, data)
}

func (l *Link) holding() bool {
	return l.waitStatus > 0 || l.waitNL || !l.sendQ.IsEmpty()
}

// flush writes queued commands, oldest first, until one of them waits for a reply,
// then the pending transfer command if nothing is outstanding.
func (l *Link) flush(now time.Time) {
	for l.conn != nil && l.waitStatus == 0 && !l.waitNL {
		if l.xfer != nil && l.xfer.phase != phaseQueued {
			return
		}

		data, ok := l.sendQ.Dequeue()
		if !ok {
			break
		}
		l.metrics.incFlushed(l.sendQ.Length())
		if err := l.writeCommand(now, data); err != nil {
			return
		}
	}

	if x := l.xfer; x != nil && x.phase == phaseQueued && l.conn != nil && l.waitStatus == 0 && !l.waitNL {
		l.beginSettle(now, x)
	}
}

func (l *Link) writePoll(now time.Time) error {
	if err := l.writeRaw(pollCmd); err != nil {
		return err
	}
	if l.waitStatus == 0 {
		l.statusAt = now
	}
	l.waitStatus++
	l.metrics.incPolls()
	l.disp.Publish(bus.SendEvent{Data: pollCmd})

	return nil
}

// writeCommand writes a text command. data must not be modified afterwards.
func (l *Link) writeCommand(now time.Time, data []byte) error {
	if err := l.writeRaw(data); err != nil {
		return err
	}
	if l.logger.Level() <= logger.DebugLevel {
		l.logger.Debug("device send", "len", len(data), "data", util.Readable(data))
	}
	if expectsReplyLine(data) {
		l.waitNL = true
		l.nlAt = now
	}
	l.interp.OnSend(data)
	l.framer.SetTerminator(l.interp.Terminator())
	l.disp.Publish(bus.SendEvent{Data: data})

	return nil
}

// expectsReplyLine reports whether the device answers data with a line of its own.
func expectsReplyLine(data []byte) bool {
	return len(data) > 0 && data[len(data)-1] == '\n' && data[0] != '$' && data[0] != 'M'
}

// writeRaw writes to the transport. A failure marks the connection broken; the
// link goroutine tears it down once the current event is handled.
func (l *Link) writeRaw(data []byte) error {
	if l.conn == nil {
		return ErrNotConnected
	}
	if l.broken != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, l.broken)
	}

	if dw, ok := l.conn.(deadlineWriter); ok && l.cfg.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(l.cfg.writeTimeout))
	}
	if _, err := l.conn.Write(data); err != nil {
		l.broken = err
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	l.metrics.addBytesOut(len(data))

	return nil
}

func (l *Link) tick(now time.Time) {
	if l.conn == nil {
		return
	}

	if l.waitStatus > 0 && now.Sub(l.statusAt) >= l.cfg.statusTimeout {
		l.logger.Warn("status poll unanswered, releasing send queue",
			"polls", l.waitStatus, "timeout", l.cfg.statusTimeout)
		l.waitStatus = 0
	}
	if l.waitNL && now.Sub(l.nlAt) >= l.cfg.newlineTimeout {
		l.logger.Warn("reply line not received, releasing send queue", "timeout", l.cfg.newlineTimeout)
		l.waitNL = false
	}

	if x := l.xfer; x != nil {
		l.tickTransfer(now, x)
	}

	l.flush(now)

	if l.shouldPoll(now) {
		_ = l.writePoll(now)
	}
}

func (l *Link) shouldPoll(now time.Time) bool {
	return l.cfg.keepAlive &&
		l.conn != nil &&
		l.state.Get() == Connected &&
		l.xfer == nil &&
		!l.waitNL &&
		l.waitStatus == 0 &&
		!l.interp.Collecting() &&
		l.leases.Load() == 0 &&
		now.Sub(l.lastActivity) > l.cfg.refresh(l.interp.State())
}

// stop closes the connection, or abandons a dial in progress.
func (l *Link) stop() {
	if l.conn != nil {
		l.teardown(nil)
		return
	}
	if l.state.CompareAndSet(Connecting, Disconnected) {
		l.logger.Debug("link stopped while connecting")
	}
}

// teardown ends the current connection. cause is nil for a requested or clean close.
func (l *Link) teardown(cause error) {
	conn := l.conn
	if conn == nil {
		return
	}

	if l.xfer != nil {
		err := ErrConnClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrConnClosed, cause)
		}
		l.cancelTransfer(err)
	}

	l.conn = nil
	l.gen++
	l.broken = nil
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("link transport close failed", "error", err)
	}
	l.resetProtocol()
	l.state.ToDisconnected()

	if cause != nil {
		l.logger.Error("device disconnected", "error", cause)
	} else {
		l.logger.Info("device disconnected")
	}
	l.disp.Publish(bus.DisconnectEvent{Err: cause})
}

func (l *Link) resetProtocol() {
	l.framer.Reset()
	l.interp.Reset()
	l.sendQ.Reset()
	l.metrics.setQueueDepth(0)
	l.waitStatus = 0
	l.waitNL = false
}
