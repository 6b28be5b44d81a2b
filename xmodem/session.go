package xmodem

import (
	"fmt"
	"io"
	"time"
)

// Direction tells which side of a transfer a session plays.
type Direction uint8

const (
	Send Direction = iota + 1
	Receive
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

// Progress is reported at least once per block.
type Progress struct {
	Direction Direction
	// Block is the number of blocks completed so far, the checksum block included.
	Block int
	// Blocks is the total number of blocks, 0 when unknown (receiving).
	Blocks int
	// Bytes is the number of file bytes transferred so far.
	Bytes int
}

// Result is the outcome of a transfer.
type Result struct {
	Direction Direction
	// Payload is the received file content. It is empty for sends and early exits.
	Payload []byte
	// Checksum is the content of the first block.
	Checksum string
	// Matched is true when a receive stopped after the checksum block matched the expected value.
	Matched bool
	// Blocks is the number of blocks acknowledged.
	Blocks int
	Err    error
}

// OK reports whether the transfer succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Observer is notified of transfer lifecycle changes. Calls happen on the goroutine
// driving the session.
type Observer interface {
	TransferStarted(dir Direction, blocks int)
	TransferProgress(p Progress)
	TransferEnded(r Result)
}

type nopObserver struct{}

func (nopObserver) TransferStarted(Direction, int) {}
func (nopObserver) TransferProgress(Progress)      {}
func (nopObserver) TransferEnded(Result)           {}

// Session is the common surface of Sender and Receiver.
type Session interface {
	// Start writes the opening bytes, if any, and arms the first deadline.
	Start(now time.Time)
	// Feed processes inbound bytes. Bytes that belong to the text protocol, those
	// following a successful completion and, for a Receiver, text ahead of the
	// first block, are returned so the caller can hand them back.
	Feed(now time.Time, data []byte) (rest []byte)
	// Expire handles a passed deadline. Calling it early is a no-op.
	Expire(now time.Time)
	// Deadline returns when Expire should next be called, zero once done.
	Deadline() time.Time
	// Cancel aborts the transfer with CAN CAN CAN and completes it with err.
	Cancel(err error)
	// Done reports whether the completion callback has fired.
	Done() bool
	Direction() Direction
}

// core holds the plumbing shared by both directions.
type core struct {
	w        io.Writer
	cfg      *Config
	obs      Observer
	done     func(Result)
	dir      Direction
	deadline time.Time
	finished bool
}

func newCore(w io.Writer, cfg *Config, dir Direction, obs Observer, done func(Result)) core {
	if obs == nil {
		obs = nopObserver{}
	}
	if done == nil {
		done = func(Result) {}
	}

	return core{w: w, cfg: cfg, obs: obs, done: done, dir: dir}
}

func (c *core) Deadline() time.Time  { return c.deadline }
func (c *core) Done() bool           { return c.finished }
func (c *core) Direction() Direction { return c.dir }

func (c *core) arm(now time.Time, d time.Duration) {
	c.deadline = now.Add(d)
}

func (c *core) expired(now time.Time) bool {
	return !c.finished && !c.deadline.IsZero() && !now.Before(c.deadline)
}

// write sends b and reports whether it succeeded. A failed write ends the session.
func (c *core) write(b ...byte) bool {
	if _, err := c.w.Write(b); err != nil {
		c.finish(Result{Err: fmt.Errorf("xmodem: write: %w", err)})
		return false
	}

	return true
}

// abort sends CAN CAN CAN and completes with res, whose Err must be set.
func (c *core) abort(res Result) {
	c.cfg.metrics.incCancels()
	c.cfg.logger.Warn("xmodem transfer aborted", "direction", c.dir.String(), "error", res.Err)
	if _, werr := c.w.Write(cancelSeq); werr != nil {
		c.cfg.logger.Debug("xmodem cancel write failed", "error", werr)
	}
	c.finish(res)
}

func (c *core) finish(r Result) {
	if c.finished {
		return
	}
	c.finished = true
	c.deadline = time.Time{}
	r.Direction = c.dir
	c.obs.TransferEnded(r)
	c.done(r)
}
