package xmodem

import "errors"

var (
	ErrPayloadTooLarge = errors.New("xmodem: payload larger than block size")
	ErrShortBlock      = errors.New("xmodem: incomplete block")
	ErrInvalidLength   = errors.New("xmodem: declared length exceeds block size")
	ErrComplement      = errors.New("xmodem: block index complement mismatch")
	ErrCRCMismatch     = errors.New("xmodem: block crc mismatch")
	ErrSequence        = errors.New("xmodem: block out of sequence")
	ErrUnexpectedByte  = errors.New("xmodem: unexpected byte")
	ErrRemoteCancel    = errors.New("xmodem: transfer cancelled by remote")
	ErrMaxRetries      = errors.New("xmodem: too many errors on one block")
	ErrInitTimeout     = errors.New("xmodem: remote never started the transfer")
	ErrTimeout         = errors.New("xmodem: remote stopped responding")
	ErrNoChecksum      = errors.New("xmodem: end of transmission before checksum block")
	ErrCancelled       = errors.New("xmodem: transfer cancelled")
)

// IsTransferError reports whether err originated from a block transfer.
func IsTransferError(err error) bool {
	for _, target := range []error{
		ErrPayloadTooLarge, ErrShortBlock, ErrInvalidLength, ErrComplement, ErrCRCMismatch,
		ErrSequence, ErrUnexpectedByte, ErrRemoteCancel, ErrMaxRetries, ErrInitTimeout,
		ErrTimeout, ErrNoChecksum, ErrCancelled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
