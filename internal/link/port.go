package link

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Port is the raw duplex byte stream under a Link.
//
// Read must return within the read timeout; when nothing arrived it returns
// (0, nil). go.bug.st/serial.Port satisfies this contract directly; network
// connections are adapted with NewConnPort.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// deadlineConn is the subset of net.Conn (and *telnet.Conn) the adapter needs.
type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// connPort maps a deadline-based connection onto the serial-style
// read-timeout contract.
type connPort struct {
	conn    deadlineConn
	timeout time.Duration
}

// NewConnPort wraps a network connection (plain TCP or telnet) as a Port.
func NewConnPort(conn deadlineConn) Port {
	return &connPort{conn: conn, timeout: defaultPollInterval}
}

func (p *connPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *connPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (p *connPort) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *connPort) Close() error                { return p.conn.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
