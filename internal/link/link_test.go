package link

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort delivers scripted chunks and records writes. Reads block for at
// most the read timeout, like a serial port.
type fakePort struct {
	mu      sync.Mutex
	in      chan []byte
	written bytes.Buffer
	timeout time.Duration
	closed  chan struct{}
	once    sync.Once
	// reply maps an exact write to the chunks it provokes.
	reply map[string][]string
}

func newFakePort() *fakePort {
	return &fakePort{
		in:      make(chan []byte, 64),
		timeout: 10 * time.Millisecond,
		closed:  make(chan struct{}),
		reply:   map[string][]string{},
	}
}

func (p *fakePort) feed(chunks ...string) {
	for _, c := range chunks {
		p.in <- []byte(c)
	}
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case c := <-p.in:
		return copy(b, c), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written.Write(b)
	chunks := p.reply[string(b)]
	p.mu.Unlock()
	p.feed(chunks...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) sent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestReceiveAccumulatesUntilTerminator(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))
	port.feed("Enter ye", "ar (2004-", "...): ")

	got, err := l.Receive(context.Background(), ": ")
	require.NoError(t, err)
	assert.Equal(t, "Enter year (2004-...): ", got)
}

func TestReceiveKeepsBytesAfterTerminator(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))
	port.feed("line one\nline two\npartial")

	first, err := l.Receive(context.Background(), "\n")
	require.NoError(t, err)
	assert.Equal(t, "line one\n", first)

	second, err := l.Receive(context.Background(), "\n")
	require.NoError(t, err)
	assert.Equal(t, "line two\n", second)

	port.feed(" rest\n")
	third, err := l.Receive(context.Background(), "\n")
	require.NoError(t, err)
	assert.Equal(t, "partial rest\n", third)
}

func TestReceiveTimeout(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))
	port.feed("no terminator here")

	start := time.Now()
	_, err := l.ReceiveTimeout(context.Background(), ">", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The bytes are not lost; a later prompt completes them.
	port.feed(" > ")
	got, err := l.Receive(context.Background(), ">")
	require.NoError(t, err)
	assert.Equal(t, "no terminator here >", got)
}

func TestReceiveRejectsEmptyTerminator(t *testing.T) {
	l := New(newFakePort(), "test")
	_, err := l.Receive(context.Background(), "")
	assert.Error(t, err)
}

func TestReceiveAnyPicksEarliest(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))
	port.feed("boot # then >")

	text, idx, err := l.ReceiveAny(context.Background(), time.Second, ">", "#")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "boot #", text)
}

func TestCloseAbortsReceive(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Receive(context.Background(), "\n")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestReceiveAfterCloseIsTransportError(t *testing.T) {
	l := New(newFakePort(), "test", WithPollInterval(5*time.Millisecond))
	require.NoError(t, l.Close())

	_, err := l.Receive(context.Background(), "\n")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancelStopsReceive(t *testing.T) {
	port := newFakePort()
	l := New(port, "test", WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := l.Receive(ctx, "\n")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendIsUnframed(t *testing.T) {
	port := newFakePort()
	l := New(port, "test")
	require.NoError(t, l.Send("ls"))
	require.NoError(t, l.Send("\r\n"))
	assert.Equal(t, "ls\r\n", port.sent())

	l.Close()
	assert.ErrorIs(t, l.Send("x"), ErrClosed)
}

func TestConnectHandshake(t *testing.T) {
	port := newFakePort()
	port.reply["\r\n"] = []string{"\r\n> "}
	l := New(port, "test", WithPollInterval(5*time.Millisecond))

	hs := DefaultHandshake()
	require.NoError(t, l.Connect(context.Background(), hs))
	assert.Equal(t, "\r\n\r\n", port.sent())
}

func TestConnectFromConfigBoot(t *testing.T) {
	port := newFakePort()
	port.feed("configboot v1.0\r\n# ")
	port.reply["r\r\n"] = []string{"\r\nIceboot > "}
	l := New(port, "test", WithPollInterval(5*time.Millisecond))

	hs := DefaultHandshake()
	hs.Count = 1
	require.NoError(t, l.Connect(context.Background(), hs))
	assert.Equal(t, "\r\nr\r\n", port.sent())
}

func TestConnectTimeout(t *testing.T) {
	port := newFakePort()
	l := New(port, "silent", WithPollInterval(5*time.Millisecond))

	hs := DefaultHandshake()
	hs.TimeoutMs = 50

	start := time.Now()
	err := l.Connect(context.Background(), hs)
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The watchdog closed the link.
	assert.ErrorIs(t, l.Send("x"), ErrClosed)
}

func TestReadCompressed(t *testing.T) {
	record := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0xFE}, 300)

	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(record)
	zw.Close()

	var frame bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(record)))
	frame.Write(hdr[:])
	frame.Write(z.Bytes())
	frame.WriteString("\r\n> ")

	rb := DefaultReadback()
	port := newFakePort()
	stream := frame.String()
	port.reply[rb.Command] = []string{rb.Command, stream[:7], stream[7:]}
	l := New(port, "test", WithPollInterval(5*time.Millisecond))

	got, err := l.ReadCompressed(context.Background(), rb)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	// Bytes after the zlib stream stay available.
	rest, err := l.Receive(context.Background(), ">")
	require.NoError(t, err)
	assert.Equal(t, "\r\n>", rest)
}

func TestConnPortMapsTimeoutToZeroRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	p := NewConnPort(a)
	require.NoError(t, p.SetReadTimeout(10*time.Millisecond))

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	assert.NoError(t, err)
	assert.Zero(t, n)

	go b.Write([]byte("hi"))
	l := New(p, "pipe", WithPollInterval(10*time.Millisecond))
	got, err := l.ReceiveTimeout(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}
