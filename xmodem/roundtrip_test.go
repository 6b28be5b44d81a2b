package xmodem

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pump shuttles bytes between a sender and a receiver until both finish.
// corrupt, if set, may modify a chunk on its way from sender to receiver.
func pump(t *testing.T, s *Sender, sw *wire, r *Receiver, rw *wire, corrupt func(n int, b []byte) []byte) {
	t.Helper()
	chunks := 0
	for i := 0; i < 10000 && !(s.Done() && r.Done()); i++ {
		if b := rw.take(); len(b) > 0 {
			s.Feed(t0, b)
		}
		if b := sw.take(); len(b) > 0 {
			if corrupt != nil {
				b = corrupt(chunks, b)
			}
			chunks++
			r.Feed(t0, b)
		}
	}
	require.True(t, s.Done(), "sender did not finish")
	require.True(t, r.Done(), "receiver did not finish")
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, testBlockSize - 1, testBlockSize, testBlockSize + 1, 3*testBlockSize + 17, 300 * testBlockSize}

	for _, size := range sizes {
		payload := patterned(size)
		checksum := md5hex(payload)

		cfg := newTestConfig(t)
		sw, rw := &wire{}, &wire{}
		var sres, rres []Result
		s, err := NewSender(sw, cfg, checksum, payload, nil, func(r Result) { sres = append(sres, r) })
		require.NoError(t, err)
		r := NewReceiver(rw, cfg, "", nil, func(r Result) { rres = append(rres, r) })

		s.Start(t0)
		r.Start(t0)
		pump(t, s, sw, r, rw, nil)

		require.Len(t, sres, 1, "size %d", size)
		require.Len(t, rres, 1, "size %d", size)
		require.NoError(t, sres[0].Err)
		require.NoError(t, rres[0].Err)
		assert.Equal(t, checksum, rres[0].Checksum, "size %d", size)
		assert.Equal(t, len(payload), len(rres[0].Payload), "size %d", size)
		assert.Equal(t, payload, append([]byte{}, rres[0].Payload...), "size %d", size)
	}
}

func TestRoundTrip_CorruptedBlockIsRetried(t *testing.T) {
	payload := patterned(2*testBlockSize + 3)
	cfg := newTestConfig(t)
	sw, rw := &wire{}, &wire{}
	var rres []Result
	s, err := NewSender(sw, cfg, md5hex(payload), payload, nil, nil)
	require.NoError(t, err)
	r := NewReceiver(rw, cfg, "", nil, func(r Result) { rres = append(rres, r) })
	s.Start(t0)
	r.Start(t0)

	pump(t, s, sw, r, rw, func(n int, b []byte) []byte {
		if n == 1 {
			b[len(b)-1] ^= 0xFF
		}
		return b
	})

	require.Len(t, rres, 1)
	require.NoError(t, rres[0].Err)
	assert.Equal(t, payload, rres[0].Payload)
	assert.Equal(t, uint64(1), cfg.Metrics().NaksSent.Load())
	assert.Equal(t, uint64(1), cfg.Metrics().BlockRetries.Load())
}

func TestRoundTrip_EarlyExit(t *testing.T) {
	payload := patterned(10 * testBlockSize)
	checksum := md5hex(payload)
	cfg := newTestConfig(t)
	sw, rw := &wire{}, &wire{}
	var sres, rres []Result
	s, err := NewSender(sw, cfg, checksum, payload, nil, func(r Result) { sres = append(sres, r) })
	require.NoError(t, err)
	r := NewReceiver(rw, cfg, checksum, nil, func(r Result) { rres = append(rres, r) })
	s.Start(t0)
	r.Start(t0)

	pump(t, s, sw, r, rw, nil)

	require.Len(t, rres, 1)
	assert.True(t, rres[0].Matched)
	assert.Empty(t, rres[0].Payload)
	require.Len(t, sres, 1)
	assert.ErrorIs(t, sres[0].Err, ErrRemoteCancel)
	assert.Equal(t, uint64(1), cfg.Metrics().BlocksReceived.Load())
}
