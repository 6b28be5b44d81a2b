package xmodem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, checksum string, payload []byte, opts ...Option) (*Sender, *wire, *recorder) {
	t.Helper()
	w := &wire{}
	rec := &recorder{}
	s, err := NewSender(w, newTestConfig(t, opts...), checksum, payload, rec, rec.done)
	require.NoError(t, err)
	s.Start(t0)

	return s, w, rec
}

func TestSender_HappyPath(t *testing.T) {
	payload := patterned(testBlockSize + 5)
	s, w, rec := newTestSender(t, "cafe", payload)
	assert.Equal(t, 3, s.Blocks())
	assert.Empty(t, w.Bytes(), "sender waits for the receiver")
	assert.Equal(t, t0.Add(2*time.Second), s.Deadline())

	s.Feed(t0, []byte("upload /sd/gcodes/x.nc\n"))
	assert.Empty(t, w.Bytes(), "echoed text before the request is ignored")

	s.Feed(t0, []byte{CRCMode})
	assert.Equal(t, mustBlock(t, 0, []byte("cafe")), w.take())

	s.Feed(t0, []byte{ACK})
	assert.Equal(t, mustBlock(t, 1, payload[:testBlockSize]), w.take())

	s.Feed(t0, []byte{ACK})
	assert.Equal(t, mustBlock(t, 2, payload[testBlockSize:]), w.take())

	s.Feed(t0, []byte{ACK})
	assert.Equal(t, []byte{EOT}, w.take())
	assert.Empty(t, rec.results)

	rest := s.Feed(t0, []byte{ACK, 'o', 'k', '\n'})
	assert.Equal(t, []byte("ok\n"), rest)

	require.Len(t, rec.results, 1)
	res := rec.results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, Send, res.Direction)
	assert.Equal(t, "cafe", res.Checksum)
	assert.Equal(t, 3, res.Blocks)

	assert.Equal(t, []Direction{Send}, rec.started)
	require.Len(t, rec.progress, 3)
	assert.Equal(t, Progress{Direction: Send, Block: 3, Blocks: 3, Bytes: len(payload)}, rec.progress[2])
	assert.Equal(t, uint64(3), s.cfg.Metrics().BlocksSent.Load())
	assert.True(t, s.Done())
}

func TestSender_NAKResendsSameBlock(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode})
	block0 := w.take()

	s.Feed(t0, []byte{NAK})
	assert.Equal(t, block0, w.take())

	s.Feed(t0, []byte{ACK})
	assert.Equal(t, mustBlock(t, 1, []byte("data")), w.take())
	s.Feed(t0, []byte{ACK})
	assert.Equal(t, []byte{EOT}, w.take())

	s.Feed(t0, []byte{NAK})
	assert.Equal(t, []byte{EOT}, w.take(), "EOT is repeated on NAK")

	s.Feed(t0, []byte{ACK})
	require.Len(t, rec.results, 1)
	assert.NoError(t, rec.results[0].Err)
	assert.Equal(t, uint64(2), s.cfg.Metrics().BlockRetries.Load())
}

func TestSender_TooManyNAKs(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode})
	w.take()

	s.Feed(t0, []byte{NAK, NAK, NAK})
	assert.Len(t, w.take(), 3*BlockLen(testBlockSize))

	s.Feed(t0, []byte{NAK})
	assert.Equal(t, []byte{CAN, CAN, CAN}, w.take())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrMaxRetries)
}

func TestSender_UnexpectedByteAborts(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode})
	w.take()

	s.Feed(t0, []byte{'?'})
	assert.Equal(t, []byte{CAN, CAN, CAN}, w.take())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrUnexpectedByte)
	assert.Equal(t, 0, rec.results[0].Blocks)
}

func TestSender_RepeatedRequestBeforeFirstAckIgnored(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode})
	w.take()

	s.Feed(t0, []byte{CRCMode})
	assert.Empty(t, w.Bytes())
	assert.Empty(t, rec.results)
}

func TestSender_RemoteCancel(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode, ACK})
	w.take()

	s.Feed(t0, []byte{CAN, CAN})
	assert.Empty(t, w.Bytes())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrRemoteCancel)
	assert.Equal(t, 1, rec.results[0].Blocks)
}

func TestSender_NeverRequested(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))

	s.Expire(t0.Add(2 * time.Second))
	assert.Empty(t, rec.results)
	s.Expire(t0.Add(4 * time.Second))

	assert.Equal(t, []byte{CAN, CAN, CAN}, w.take())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrInitTimeout)
}

func TestSender_TimeoutResendsThenFails(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Feed(t0, []byte{CRCMode})
	block0 := w.take()

	s.Expire(t0.Add(2 * time.Second))
	assert.Equal(t, block0, w.take())
	s.Expire(t0.Add(4 * time.Second))
	assert.Equal(t, block0, w.take())

	s.Expire(t0.Add(6 * time.Second))
	assert.Equal(t, []byte{CAN, CAN, CAN}, w.take())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrTimeout)
}

func TestSender_ChecksumTooLarge(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := NewSender(&wire{}, cfg, string(make([]byte, testBlockSize+1)), nil, nil, nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSender_Cancel(t *testing.T) {
	s, w, rec := newTestSender(t, "sum", []byte("data"))
	s.Cancel(nil)
	assert.Equal(t, []byte{CAN, CAN, CAN}, w.take())
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, ErrCancelled)
	assert.Nil(t, s.Feed(t0, []byte{ACK}))
}
