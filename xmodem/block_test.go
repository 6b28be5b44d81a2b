package xmodem

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16_KnownVectors(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0x0000), CRC16(nil))
	assert.Equal(t, uint16(0x1021), CRC16([]byte{0x01}))
}

func TestEncodeBlock_Layout(t *testing.T) {
	payload := []byte("d41d8cd98f00b204e9800998ecf8427e")
	frame, err := EncodeBlock(nil, 0, payload, testBlockSize)
	require.NoError(t, err)

	require.Len(t, frame, BlockLen(testBlockSize))
	assert.Equal(t, STX, frame[0])
	assert.Equal(t, byte(0x00), frame[1])
	assert.Equal(t, byte(0xFF), frame[2])
	assert.Equal(t, []byte{0x00, 0x20}, frame[3:5])
	assert.Equal(t, payload, frame[5:5+len(payload)])
	assert.Equal(t, bytes.Repeat([]byte{Filler}, testBlockSize-len(payload)), frame[5+len(payload):5+testBlockSize])

	crc := CRC16(payload)
	assert.Equal(t, []byte{byte(crc >> 8), byte(crc)}, frame[5+testBlockSize:])
}

func TestEncodeBlock_TooLarge(t *testing.T) {
	_, err := EncodeBlock(nil, 1, make([]byte, testBlockSize+1), testBlockSize)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseBlock(t *testing.T) {
	payload := []byte("G0 X10 Y10\n")
	good := mustBlock(t, 7, payload)

	blk, err := ParseBlock(good, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, byte(7), blk.Index)
	assert.Equal(t, payload, blk.Payload)

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:len(b)-1] }, ErrShortBlock},
		{"bad start", func(b []byte) []byte { b[0] = SOH; return b }, ErrUnexpectedByte},
		{"bad complement", func(b []byte) []byte { b[2] = 0; return b }, ErrComplement},
		{"length over block size", func(b []byte) []byte { b[3], b[4] = 0x01, 0x00; return b }, ErrInvalidLength},
		{"crc corrupted", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }, ErrCRCMismatch},
		{"payload corrupted", func(b []byte) []byte { b[6] ^= 0x01; return b }, ErrCRCMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBlock(tt.mutate(bytes.Clone(good)), testBlockSize)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsTransferError(err))
		})
	}
}

func TestParseBlock_FillerOutsideDeclaredLengthIgnored(t *testing.T) {
	frame := mustBlock(t, 1, []byte("abc"))
	frame[5+10] = 0x00 // inside padding, not covered by the crc

	blk, err := ParseBlock(frame, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), blk.Payload)
}

func TestSplitPayload(t *testing.T) {
	tests := []struct {
		size   int
		blocks int
		last   int
	}{
		{0, 1, 3},
		{1, 2, 1},
		{testBlockSize, 2, testBlockSize},
		{testBlockSize + 1, 3, 1},
		{3*testBlockSize + 17, 5, 17},
	}
	for _, tt := range tests {
		blocks, err := SplitPayload("sum", patterned(tt.size), testBlockSize)
		require.NoError(t, err)
		require.Len(t, blocks, tt.blocks, "size %d", tt.size)
		assert.Equal(t, []byte("sum"), blocks[0])
		assert.Len(t, blocks[len(blocks)-1], tt.last, "size %d", tt.size)
	}

	_, err := SplitPayload(string(make([]byte, testBlockSize+1)), nil, testBlockSize)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConfig(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, cfg.BlockSize())
	assert.Equal(t, byte(DefaultStartIndex), cfg.StartIndex())
	assert.Equal(t, DefaultMaxErrors, cfg.MaxErrors())
	assert.Equal(t, DefaultInitAttempts, cfg.InitAttempts())
	assert.Equal(t, DefaultInitInterval, cfg.InitInterval())
	assert.Equal(t, DefaultBlockTimeout, cfg.BlockTimeout())
	assert.Equal(t, DefaultMaxTimeouts, cfg.MaxTimeouts())
	assert.NotNil(t, cfg.Metrics())
	assert.NotNil(t, cfg.GetLogger())

	cfg, err = NewConfig(WithBlockSize(128), WithStartIndex(1))
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.BlockSize())
	assert.Equal(t, byte(1), cfg.StartIndex())

	bad := []Option{
		WithBlockSize(MinBlockSize - 1),
		WithBlockSize(MaxBlockSize + 1),
		WithMaxErrors(0),
		WithInitAttempts(MaxInitAttempts + 1),
		WithInitInterval(time.Millisecond),
		WithBlockTimeout(time.Hour),
		WithMaxTimeouts(0),
		WithMetrics(nil),
		WithLogger(nil),
	}
	for _, opt := range bad {
		_, err := NewConfig(opt)
		assert.Error(t, err)
	}
}
