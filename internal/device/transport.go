package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Dialer opens the byte stream to the device. Each call yields a fresh
// connection; the Link owns and closes it.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// SerialDialer talks to the device over a serial port (8N1).
type SerialDialer struct {
	Port     string
	BaudRate int
}

// Dial opens the serial port. serial.Open does not take a context; a
// cancelled ctx is checked before opening.
func (d SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(d.Port, &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.Port, err)
	}
	return port, nil
}

func (d SerialDialer) String() string {
	return fmt.Sprintf("serial://%s@%d", d.Port, d.BaudRate)
}

// TCPDialer reaches a device (or the simulator) over TCP.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

// Dial connects with the configured timeout.
func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d TCPDialer) String() string {
	return "tcp://" + d.Address
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

func (f DialerFunc) String() string { return "func" }
