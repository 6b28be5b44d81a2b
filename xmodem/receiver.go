package xmodem

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arloliu/go-carvera/internal/util"
	"github.com/arloliu/go-carvera/logger"
)

type recvState uint8

const (
	awaitingInit recvState = iota
	receiving
)

// Receiver is the receiving side of a transfer.
type Receiver struct {
	core
	state    recvState
	expected string

	buf          []byte
	payload      bytes.Buffer
	checksum     string
	blocks       int
	next         byte
	errors       int
	initAttempts int
}

var _ Session = (*Receiver)(nil)

// NewReceiver creates a receiver that writes protocol bytes to w.
//
// When expected is not empty and the checksum block equals it, the receiver cancels
// the remote send with SYN SYN SYN and completes with Result.Matched set.
// done is called exactly once.
func NewReceiver(w io.Writer, cfg *Config, expected string, obs Observer, done func(Result)) *Receiver {
	return &Receiver{
		core:     newCore(w, cfg, Receive, obs, done),
		expected: expected,
		next:     cfg.startIndex,
	}
}

// Start requests a CRC mode transfer.
func (r *Receiver) Start(now time.Time) {
	if r.finished {
		return
	}
	r.obs.TransferStarted(Receive, 0)
	r.sendInit(now)
}

func (r *Receiver) sendInit(now time.Time) {
	r.initAttempts++
	r.cfg.logger.Debug("xmodem request crc mode", "attempt", r.initAttempts)
	if !r.write(CRCMode) {
		return
	}
	r.arm(now, r.cfg.initInterval)
}

// Feed processes inbound bytes. Blocks delivered in pieces are assembled before
// they are validated. Text received ahead of the first block, such as the device
// reporting a missing file, is returned along with bytes following the end.
func (r *Receiver) Feed(now time.Time, data []byte) []byte {
	if r.finished {
		return data
	}
	r.buf = append(r.buf, data...)

	var text []byte

	frameLen := BlockLen(r.cfg.blockSize)
	for len(r.buf) > 0 && !r.finished {
		switch c := r.buf[0]; c {
		case STX:
			if len(r.buf) < frameLen {
				if r.state == receiving {
					// the partial block must complete within the block timeout
					r.arm(now, r.cfg.blockTimeout)
				}
				return text
			}
			r.handleBlock(now, r.buf[:frameLen])
			r.buf = r.buf[frameLen:]

		case EOT:
			r.buf = r.buf[1:]
			r.handleEOT()
			if r.finished && r.blocks > 0 {
				rest := r.buf
				r.buf = nil
				if len(rest) == 0 {
					return text
				}

				return append(text, rest...)
			}

		case CAN, SYN:
			r.buf = r.buf[1:]
			r.cfg.metrics.incCancels()
			r.finish(r.result(ErrRemoteCancel))

		default:
			r.buf = r.buf[1:]
			if r.state == awaitingInit {
				// text still draining from the command that started the transfer
				text = append(text, c)
				continue
			}
			r.abort(r.result(fmt.Errorf("%w: 0x%02x after block %d", ErrUnexpectedByte, c, r.blocks)))
		}
	}
	if r.finished {
		r.buf = nil
	}

	return text
}

func (r *Receiver) handleBlock(now time.Time, frame []byte) {
	r.state = receiving

	blk, err := ParseBlock(frame, r.cfg.blockSize)
	if err != nil {
		if r.cfg.logger.Level() <= logger.DebugLevel {
			r.cfg.logger.Debug("xmodem damaged block", "head", util.HexDump(frame[:min(len(frame), 16)]))
		}
		r.reject(now, err)
		return
	}

	if blk.Index != r.next {
		if r.blocks > 0 && blk.Index == r.next-1 {
			// our ACK was lost and the sender repeated the previous block
			r.cfg.logger.Debug("xmodem duplicate block", "index", blk.Index)
			if r.write(ACK) {
				r.arm(now, r.cfg.blockTimeout)
			}
			return
		}
		r.abort(r.result(fmt.Errorf("%w: got %d, want %d", ErrSequence, blk.Index, r.next)))
		return
	}

	r.errors = 0
	if r.blocks == 0 {
		r.checksum = string(blk.Payload)
		if r.expected != "" && r.checksum == r.expected {
			r.cfg.logger.Debug("xmodem checksum matched, cancelling remote send", "checksum", r.checksum)
			r.blocks++
			r.cfg.metrics.incBlocksReceived()
			r.cfg.metrics.incEarlyExits()
			if !r.write(synSeq...) {
				return
			}
			r.finish(Result{Checksum: r.checksum, Blocks: r.blocks, Matched: true})

			return
		}
	} else {
		r.payload.Write(blk.Payload)
	}

	r.blocks++
	r.next++
	r.cfg.metrics.incBlocksReceived()
	if !r.write(ACK) {
		return
	}
	r.arm(now, r.cfg.blockTimeout)
	r.obs.TransferProgress(Progress{Direction: Receive, Block: r.blocks, Bytes: r.payload.Len()})
}

// reject NAKs a damaged block without advancing, or aborts once the block has failed too often.
func (r *Receiver) reject(now time.Time, cause error) {
	r.errors++
	r.cfg.logger.Warn("xmodem block rejected", "index", r.next, "errors", r.errors, "error", cause)
	if r.errors > r.cfg.maxErrors {
		r.abort(r.result(errors.Join(ErrMaxRetries, cause)))
		return
	}
	r.cfg.metrics.incNaksSent()
	if r.write(NAK) {
		r.arm(now, r.cfg.blockTimeout)
	}
}

func (r *Receiver) handleEOT() {
	if !r.write(ACK) {
		return
	}
	if r.blocks == 0 {
		r.finish(r.result(ErrNoChecksum))
		return
	}
	r.cfg.logger.Debug("xmodem receive complete", "blocks", r.blocks, "bytes", r.payload.Len())
	r.finish(r.result(nil))
}

// Expire re-requests CRC mode while waiting for the first block, and NAKs a stalled block afterwards.
func (r *Receiver) Expire(now time.Time) {
	if !r.expired(now) {
		return
	}

	if r.state == awaitingInit {
		if r.initAttempts >= r.cfg.initAttempts {
			r.abort(r.result(ErrInitTimeout))
			return
		}
		r.sendInit(now)

		return
	}

	r.buf = r.buf[:0]
	r.reject(now, ErrTimeout)
}

// Cancel aborts the transfer.
func (r *Receiver) Cancel(err error) {
	if r.finished {
		return
	}
	if err == nil {
		err = ErrCancelled
	}
	r.abort(r.result(err))
}

// Checksum returns the checksum block content, empty until the first block arrives.
func (r *Receiver) Checksum() string {
	return r.checksum
}

func (r *Receiver) result(err error) Result {
	res := Result{
		Checksum: r.checksum,
		Blocks:   r.blocks,
		Err:      err,
	}
	if err == nil {
		res.Payload = bytes.Clone(r.payload.Bytes())
	}

	return res
}
