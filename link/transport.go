package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the serial speed of the device's USB port.
const DefaultBaudRate = 115200

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error)

// DialTCP connects to addr with TCP keep-alive enabled.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// OpenSerial opens a serial port at baud, 8N1. A baud of 0 selects DefaultBaudRate.
func OpenSerial(port string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open serial port %s: %w", port, err)
	}

	return p, nil
}

// SerialPorts lists the serial ports of the host.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// deadlineWriter is implemented by net.Conn.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}
