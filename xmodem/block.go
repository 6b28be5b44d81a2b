package xmodem

import (
	"encoding/binary"
	"fmt"
)

// Control bytes.
const (
	SOH byte = 0x01
	STX byte = 0x02
	EOT byte = 0x04
	ACK byte = 0x06
	NAK byte = 0x15
	// SYN sent three times by a receiver cancels the remote send after a checksum match.
	SYN byte = 0x16
	CAN byte = 0x18
	// Filler pads the last block up to the block size.
	Filler byte = 0x1A
	// CRCMode is sent by the receiver to request a CRC mode transfer.
	CRCMode byte = 'C'
)

const (
	headerSize = 5 // STX, index, complement, len-hi, len-lo
	crcSize    = 2
)

var (
	cancelSeq = []byte{CAN, CAN, CAN}
	synSeq    = []byte{SYN, SYN, SYN}
)

// BlockLen returns the wire length of a block with the given block size.
func BlockLen(blockSize int) int {
	return headerSize + blockSize + crcSize
}

// Block is a decoded block. Payload holds the declared-length bytes, without filler.
type Block struct {
	Index   byte
	Payload []byte
}

// EncodeBlock appends the wire form of a block to dst.
func EncodeBlock(dst []byte, index byte, payload []byte, blockSize int) ([]byte, error) {
	if len(payload) > blockSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), blockSize)
	}

	start := len(dst)
	dst = append(dst, STX, index, 0xFF-index, 0, 0)
	binary.BigEndian.PutUint16(dst[start+3:], uint16(len(payload)))
	dst = append(dst, payload...)
	for i := len(payload); i < blockSize; i++ {
		dst = append(dst, Filler)
	}
	dst = binary.BigEndian.AppendUint16(dst, CRC16(payload))

	return dst, nil
}

// ParseBlock decodes a complete wire block. frame must be exactly BlockLen(blockSize) bytes.
//
// On ErrCRCMismatch the returned Block still carries the index for diagnostics.
// The returned payload aliases frame.
func ParseBlock(frame []byte, blockSize int) (Block, error) {
	if len(frame) != BlockLen(blockSize) {
		return Block{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortBlock, len(frame), BlockLen(blockSize))
	}
	if frame[0] != STX {
		return Block{}, fmt.Errorf("%w: 0x%02x", ErrUnexpectedByte, frame[0])
	}

	index := frame[1]
	if index+frame[2] != 0xFF {
		return Block{Index: index}, fmt.Errorf("%w: index %d complement %d", ErrComplement, index, frame[2])
	}

	length := int(binary.BigEndian.Uint16(frame[3:5]))
	if length > blockSize {
		return Block{Index: index}, fmt.Errorf("%w: %d > %d", ErrInvalidLength, length, blockSize)
	}

	payload := frame[headerSize : headerSize+length]
	want := binary.BigEndian.Uint16(frame[headerSize+blockSize:])
	if got := CRC16(payload); got != want {
		return Block{Index: index}, fmt.Errorf("%w: block %d crc 0x%04x, want 0x%04x", ErrCRCMismatch, index, got, want)
	}

	return Block{Index: index, Payload: payload}, nil
}

// SplitPayload returns the block payloads of a transfer: the checksum first, then
// successive blockSize slices of payload. The slices alias payload.
func SplitPayload(checksum string, payload []byte, blockSize int) ([][]byte, error) {
	if len(checksum) > blockSize {
		return nil, fmt.Errorf("%w: checksum of %d bytes", ErrPayloadTooLarge, len(checksum))
	}

	blocks := make([][]byte, 0, 1+(len(payload)+blockSize-1)/blockSize)
	blocks = append(blocks, []byte(checksum))
	for off := 0; off < len(payload); off += blockSize {
		blocks = append(blocks, payload[off:min(off+blockSize, len(payload))])
	}

	return blocks, nil
}
