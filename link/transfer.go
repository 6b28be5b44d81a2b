package link

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/xmodem"
)

// UploadResult is passed to the Upload callback.
type UploadResult struct {
	Path     string
	Checksum string
	Size     int
	Err      error
}

// DownloadResult is passed to the Download callback. Payload is empty when Matched
// is set: the device holds the same content as the expected checksum.
type DownloadResult struct {
	Path     string
	Payload  []byte
	Checksum string
	Matched  bool
	Err      error
}

type transferPhase uint8

const (
	// phaseQueued waits for outstanding replies before the command is written.
	phaseQueued transferPhase = iota
	// phaseSettling gives the device time to parse the command.
	phaseSettling
	phaseActive
)

type transfer struct {
	dir      bus.Direction
	path     string
	cmd      []byte
	size     int
	checksum string
	session  xmodem.Session

	phase       transferPhase
	settleUntil time.Time
	pending     []byte

	onUpload   func(UploadResult)
	onDownload func(DownloadResult)
}

// MD5Hex returns the lowercase hex MD5 digest used as the first block of an upload.
func MD5Hex(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// Upload sends payload to file, which must be below GcodeDir or be FirmwarePath.
// It returns the checksum written in the first block. done, if not nil, is called
// exactly once when the transfer ends.
func (l *Link) Upload(file string, payload []byte, done func(UploadResult)) (string, error) {
	p, err := UploadPath(file)
	if err != nil {
		l.fail("upload", err)
		return "", err
	}

	checksum := MD5Hex(payload)
	data := bytes.Clone(payload)

	err = l.do("upload", func(now time.Time) error {
		if err := l.canTransfer(); err != nil {
			return err
		}

		x := &transfer{
			dir:      bus.Upload,
			path:     p,
			cmd:      []byte("upload " + p + "\n"),
			size:     len(data),
			checksum: checksum,
			onUpload: done,
		}
		s, err := xmodem.NewSender(transferWriter{l}, l.xcfg, checksum, data, transferObserver{l, x},
			func(r xmodem.Result) { l.transferDone(x, r) })
		if err != nil {
			return err
		}
		x.session = s
		l.beginTransfer(now, x, Sending)

		return nil
	})
	if err != nil {
		return "", err
	}

	return checksum, nil
}

// Download fetches file. When expected is not empty and equals the checksum the
// device reports in the first block, the transfer stops early and the result has
// Matched set. done, if not nil, is called exactly once when the transfer ends.
func (l *Link) Download(file, expected string, done func(DownloadResult)) error {
	p, err := DownloadPath(file)
	if err != nil {
		l.fail("download", err)
		return err
	}

	return l.do("download", func(now time.Time) error {
		if err := l.canTransfer(); err != nil {
			return err
		}

		x := &transfer{
			dir:        bus.Download,
			path:       p,
			cmd:        []byte("download " + p + "\n"),
			onDownload: done,
		}
		x.session = xmodem.NewReceiver(transferWriter{l}, l.xcfg, expected, transferObserver{l, x},
			func(r xmodem.Result) { l.transferDone(x, r) })
		l.beginTransfer(now, x, Receiving)

		return nil
	})
}

func (l *Link) canTransfer() error {
	if l.conn == nil || l.state.Get() != Connected {
		return ErrNotConnected
	}
	if l.xfer != nil {
		return ErrBusy
	}

	return nil
}

func (l *Link) beginTransfer(now time.Time, x *transfer, st TransferState) {
	l.xfer = x
	l.transfer.Set(st)
	l.logger.Info("transfer requested", "direction", x.dir.String(), "path", x.path)
	l.disp.Publish(bus.TransferStateEvent{Active: true})
	l.flush(now)
}

// beginSettle writes the transfer command. The block protocol starts after the settle delay.
func (l *Link) beginSettle(now time.Time, x *transfer) {
	if err := l.writeRaw(x.cmd); err != nil {
		l.transferDone(x, xmodem.Result{Err: err})
		return
	}
	l.interp.OnSend(x.cmd)
	l.disp.Publish(bus.SendEvent{Data: x.cmd})
	l.framer.Reset()

	x.phase = phaseSettling
	x.settleUntil = now.Add(l.cfg.settleDelay)
	if l.cfg.settleDelay == 0 {
		l.startSession(now, x)
	}
}

func (l *Link) startSession(now time.Time, x *transfer) {
	x.phase = phaseActive
	x.session.Start(now)
	if x.session.Done() || len(x.pending) == 0 {
		return
	}

	buf := x.pending
	x.pending = nil
	if rest := x.session.Feed(now, buf); len(rest) > 0 {
		l.text(rest)
	}
}

// feedTransfer routes inbound bytes to the transfer and returns bytes that follow
// its successful end.
func (l *Link) feedTransfer(now time.Time, x *transfer, data []byte) []byte {
	if x.phase == phaseSettling {
		x.pending = append(x.pending, data...)
		return nil
	}

	return x.session.Feed(now, data)
}

func (l *Link) tickTransfer(now time.Time, x *transfer) {
	switch x.phase {
	case phaseSettling:
		if !now.Before(x.settleUntil) {
			l.startSession(now, x)
		}
	case phaseActive:
		if d := x.session.Deadline(); !d.IsZero() && !now.Before(d) {
			x.session.Expire(now)
		}
	}
}

// cancelTransfer ends the transfer in progress with err. A device that already
// received the transfer command is sent CAN CAN CAN.
func (l *Link) cancelTransfer(err error) {
	x := l.xfer
	if x == nil {
		return
	}
	if x.phase == phaseQueued {
		l.transferDone(x, xmodem.Result{Err: err})
		return
	}
	x.session.Cancel(err)
}

// transferDone runs on the link goroutine when a session completes.
func (l *Link) transferDone(x *transfer, r xmodem.Result) {
	if l.xfer != x {
		return
	}
	l.xfer = nil
	l.transfer.Set(Idle)
	l.metrics.incTransfers(r.Err != nil)
	l.disp.Publish(bus.TransferStateEvent{Active: false})

	switch x.dir {
	case bus.Upload:
		res := UploadResult{Path: x.path, Checksum: x.checksum, Size: x.size, Err: r.Err}
		if r.Err == nil {
			l.logger.Info("upload complete", "path", x.path, "size", x.size, "blocks", r.Blocks)
			l.disp.Publish(bus.UploadCompleteEvent{Path: x.path, Checksum: x.checksum, Size: x.size})
		} else {
			l.fail("upload", r.Err)
		}
		if x.onUpload != nil {
			l.disp.Go(func() { x.onUpload(res) })
		}

	case bus.Download:
		res := DownloadResult{Path: x.path, Payload: r.Payload, Checksum: r.Checksum, Matched: r.Matched, Err: r.Err}
		if r.Err == nil {
			if !r.Matched && isMD5(r.Checksum) && MD5Hex(r.Payload) != r.Checksum {
				l.logger.Warn("downloaded content does not match device checksum",
					"path", x.path, "checksum", r.Checksum, "size", len(r.Payload))
			}
			l.logger.Info("download complete", "path", x.path, "size", len(r.Payload), "matched", r.Matched)
			l.disp.Publish(bus.DownloadCompleteEvent{
				Path:     x.path,
				Checksum: r.Checksum,
				Size:     len(r.Payload),
				Matched:  r.Matched,
			})
		} else {
			l.fail("download", r.Err)
		}
		if x.onDownload != nil {
			l.disp.Go(func() { x.onDownload(res) })
		}
	}
}

func isMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)

	return err == nil
}

// transferWriter gives a session the raw transport. Block bytes are not published
// as SendEvents.
type transferWriter struct {
	l *Link
}

func (w transferWriter) Write(p []byte) (int, error) {
	if err := w.l.writeRaw(p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// transferObserver publishes session progress on the bus.
type transferObserver struct {
	l *Link
	x *transfer
}

func (o transferObserver) TransferStarted(_ xmodem.Direction, blocks int) {
	o.l.logger.Debug("transfer started", "direction", o.x.dir.String(), "path", o.x.path, "blocks", blocks)
	o.l.disp.Publish(bus.TransferStartEvent{Direction: o.x.dir, Path: o.x.path, Blocks: blocks})
}

func (o transferObserver) TransferProgress(p xmodem.Progress) {
	o.l.disp.Publish(bus.TransferProgressEvent{Direction: o.x.dir, Block: p.Block, Blocks: p.Blocks, Bytes: p.Bytes})
}

func (o transferObserver) TransferEnded(r xmodem.Result) {
	o.l.disp.Publish(bus.TransferEndEvent{Direction: o.x.dir, Err: r.Err})
}
