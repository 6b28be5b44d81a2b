package xmodem

import (
	"fmt"
	"io"
	"time"
)

type sendState uint8

const (
	awaitingRequest sendState = iota
	awaitingAck
	awaitingEOTAck
)

// Sender is the sending side of a transfer.
type Sender struct {
	core
	state    sendState
	checksum string
	blocks   [][]byte
	size     int

	cur      int    // index into blocks of the block in flight
	frame    []byte // wire form of blocks[cur], kept for retransmission
	sent     int    // file bytes acknowledged
	errors   int
	timeouts int
}

var _ Session = (*Sender)(nil)

// NewSender creates a sender for payload. checksum is placed in the first block and is
// normally the MD5 hex digest of payload. done is called exactly once.
func NewSender(w io.Writer, cfg *Config, checksum string, payload []byte, obs Observer, done func(Result)) (*Sender, error) {
	blocks, err := SplitPayload(checksum, payload, cfg.blockSize)
	if err != nil {
		return nil, err
	}

	return &Sender{
		core:     newCore(w, cfg, Send, obs, done),
		checksum: checksum,
		blocks:   blocks,
		size:     len(payload),
		frame:    make([]byte, 0, BlockLen(cfg.blockSize)),
	}, nil
}

// Blocks returns the number of blocks the transfer sends, the checksum block included.
func (s *Sender) Blocks() int {
	return len(s.blocks)
}

// Start waits for the receiver's CRC mode request.
func (s *Sender) Start(now time.Time) {
	if s.finished {
		return
	}
	s.obs.TransferStarted(Send, len(s.blocks))
	s.arm(now, s.cfg.blockTimeout)
}

// Feed processes protocol bytes from the receiver.
func (s *Sender) Feed(now time.Time, data []byte) []byte {
	for i, c := range data {
		if s.finished {
			return nil
		}
		s.handle(now, c)
		if s.finished && s.state == awaitingEOTAck && c == ACK {
			if rest := data[i+1:]; len(rest) > 0 {
				return rest
			}
			return nil
		}
	}

	return nil
}

func (s *Sender) handle(now time.Time, c byte) {
	if c == CAN {
		s.cfg.metrics.incCancels()
		s.finish(s.result(ErrRemoteCancel))
		return
	}

	switch s.state {
	case awaitingRequest:
		switch c {
		case CRCMode:
			s.cfg.logger.Debug("xmodem crc mode requested", "blocks", len(s.blocks))
			s.state = awaitingAck
			s.sendBlock(now, 0)
		case SYN:
			s.cfg.metrics.incCancels()
			s.finish(s.result(ErrRemoteCancel))
		default:
			// text still draining from the command that started the transfer
		}

	case awaitingAck:
		switch c {
		case ACK:
			s.cfg.metrics.incBlocksSent()
			if s.cur > 0 {
				s.sent += len(s.blocks[s.cur])
			}
			s.errors, s.timeouts = 0, 0
			s.obs.TransferProgress(Progress{Direction: Send, Block: s.cur + 1, Blocks: len(s.blocks), Bytes: s.sent})
			if s.cur+1 < len(s.blocks) {
				s.sendBlock(now, s.cur+1)
				return
			}
			s.state = awaitingEOTAck
			s.sendEOT(now)
		case NAK:
			s.retry(now, ErrCRCMismatch)
		case CRCMode:
			if s.cur == 0 {
				// repeated request raced with the first block
				return
			}
			s.abort(s.result(fmt.Errorf("%w: 0x%02x awaiting ack of block %d", ErrUnexpectedByte, c, s.cur)))
		case SYN:
			s.cfg.metrics.incCancels()
			s.finish(s.result(ErrRemoteCancel))
		default:
			s.abort(s.result(fmt.Errorf("%w: 0x%02x awaiting ack of block %d", ErrUnexpectedByte, c, s.cur)))
		}

	case awaitingEOTAck:
		switch c {
		case ACK:
			s.cfg.logger.Debug("xmodem send complete", "blocks", len(s.blocks), "bytes", s.size)
			s.finish(s.result(nil))
		case NAK:
			s.retry(now, ErrCRCMismatch)
		default:
			s.abort(s.result(fmt.Errorf("%w: 0x%02x awaiting ack of EOT", ErrUnexpectedByte, c)))
		}
	}
}

func (s *Sender) sendBlock(now time.Time, idx int) {
	s.cur = idx
	frame, err := EncodeBlock(s.frame[:0], s.cfg.startIndex+byte(idx), s.blocks[idx], s.cfg.blockSize)
	if err != nil {
		s.abort(s.result(err))
		return
	}
	s.frame = frame
	if s.write(frame...) {
		s.arm(now, s.cfg.blockTimeout)
	}
}

func (s *Sender) sendEOT(now time.Time) {
	if s.write(EOT) {
		s.arm(now, s.cfg.blockTimeout)
	}
}

// retry resends the block or EOT in flight, or aborts once the limit is reached.
func (s *Sender) retry(now time.Time, cause error) {
	s.errors++
	if s.errors > s.cfg.maxErrors {
		s.abort(s.result(fmt.Errorf("%w: %w", ErrMaxRetries, cause)))
		return
	}
	s.cfg.metrics.incBlockRetries()
	s.cfg.logger.Warn("xmodem resend", "block", s.cur, "eot", s.state == awaitingEOTAck, "errors", s.errors)
	if s.state == awaitingEOTAck {
		s.sendEOT(now)
		return
	}
	if s.write(s.frame...) {
		s.arm(now, s.cfg.blockTimeout)
	}
}

// Expire fails the transfer if the receiver never asks for it, and resends after a silent period otherwise.
func (s *Sender) Expire(now time.Time) {
	if !s.expired(now) {
		return
	}

	s.timeouts++
	if s.state == awaitingRequest {
		if s.timeouts >= s.cfg.maxTimeouts {
			s.abort(s.result(ErrInitTimeout))
			return
		}
		s.arm(now, s.cfg.blockTimeout)

		return
	}

	if s.timeouts > s.cfg.maxTimeouts {
		s.abort(s.result(ErrTimeout))
		return
	}
	s.cfg.metrics.incBlockRetries()
	if s.state == awaitingEOTAck {
		s.sendEOT(now)
		return
	}
	if s.write(s.frame...) {
		s.arm(now, s.cfg.blockTimeout)
	}
}

// Cancel aborts the transfer.
func (s *Sender) Cancel(err error) {
	if s.finished {
		return
	}
	if err == nil {
		err = ErrCancelled
	}
	s.abort(s.result(err))
}

func (s *Sender) result(err error) Result {
	blocks := s.cur
	if err == nil {
		blocks = len(s.blocks)
	}

	return Result{Checksum: s.checksum, Blocks: blocks, Err: err}
}
