package link

import (
	"errors"

	"github.com/arloliu/go-carvera/xmodem"
)

// Connection errors.
var (
	ErrNotConnected   = errors.New("link: not connected")
	ErrNoTarget       = errors.New("link: no target to connect to")
	ErrConnClosed     = errors.New("link: connection closed")
	ErrClosed         = errors.New("link: closed")
	ErrRequestTimeout = errors.New("link: request timeout")
)

// Protocol errors.
var (
	ErrInvalidPath         = errors.New("link: invalid path")
	ErrDisallowedExtension = errors.New("link: file extension not allowed")
	ErrBusy                = errors.New("link: block transfer in progress")
	ErrEmptyCommand        = errors.New("link: empty command")
)

// IsConnectionError reports whether err means the device is unreachable.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNoTarget) ||
		errors.Is(err, ErrConnClosed) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrRequestTimeout)
}

// IsProtocolError reports whether err is a rejected command.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrDisallowedExtension) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrEmptyCommand)
}

// IsTransferError reports whether err comes from a failed block transfer.
func IsTransferError(err error) bool {
	return xmodem.IsTransferError(err)
}
