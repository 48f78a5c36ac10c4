// Package link is the framed terminal transport to a DOM: commands go out as
// raw text, replies are accumulated until a terminator substring appears.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrTransport wraps every I/O failure on the underlying port. It is
	// fatal to the visit that owns the link.
	ErrTransport = errors.New("link: transport failure")

	// ErrTimeout is returned by the bounded receive variants.
	ErrTimeout = errors.New("link: timed out waiting for terminator")

	// ErrConnectTimeout means the wake handshake did not finish in budget.
	ErrConnectTimeout = errors.New("link: connect handshake timed out")

	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link: closed")
)

const (
	defaultPollInterval = 100 * time.Millisecond
	readChunkSize       = 512
)

// Link is one conversation with a device. It is not safe for concurrent
// use except for Close, which may be called from any goroutine to abort
// in-flight reads.
type Link struct {
	port Port
	name string
	poll time.Duration

	// pending holds bytes received after the last terminator matched.
	pending []byte
	chunk   []byte

	mu     sync.Mutex
	closed bool

	// onData, if set, sees every chunk read from the port.
	onData func([]byte)
}

// Option configures a Link.
type Option func(*Link)

// WithPollInterval overrides the 100 ms idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithTap registers a callback that observes raw incoming bytes.
func WithTap(fn func([]byte)) Option {
	return func(l *Link) { l.onData = fn }
}

// New wraps an open port. name is used in log lines and errors
// (e.g. "domhub1:5001").
func New(port Port, name string, opts ...Option) *Link {
	l := &Link{
		port:  port,
		name:  name,
		poll:  defaultPollInterval,
		chunk: make([]byte, readChunkSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := port.SetReadTimeout(l.poll); err != nil {
		log.Printf("[link] %s: set read timeout: %v", name, err)
	}
	return l
}

// Name returns the label the link was created with.
func (l *Link) Name() string { return l.name }

// Send writes text to the device. No framing is added: callers supply the
// line terminators the device's command interpreter expects.
func (l *Link) Send(text string) error {
	return l.SendBytes([]byte(text))
}

// SendBytes writes p and flushes the port if it supports draining.
func (l *Link) SendBytes(p []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	if _, err := l.port.Write(p); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, l.name, err)
	}
	if d, ok := l.port.(interface{ Drain() error }); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain %s: %w", ErrTransport, l.name, err)
		}
	}
	return nil
}

// Receive blocks until terminator appears in the incoming stream and returns
// everything up to and including it. It waits indefinitely unless ctx is
// cancelled or the link is closed.
func (l *Link) Receive(ctx context.Context, terminator string) (string, error) {
	text, _, err := l.receive(ctx, time.Time{}, terminator)
	return text, err
}

// ReceiveTimeout is Receive bounded by d; it fails with ErrTimeout. Use it for
// anything that could otherwise hang a caller, never inside the capture loop.
func (l *Link) ReceiveTimeout(ctx context.Context, terminator string, d time.Duration) (string, error) {
	text, _, err := l.receive(ctx, time.Now().Add(d), terminator)
	return text, err
}

// ReceiveAny waits for whichever terminator appears first and reports its
// index in terminators.
func (l *Link) ReceiveAny(ctx context.Context, d time.Duration, terminators ...string) (string, int, error) {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	return l.receive(ctx, deadline, terminators...)
}

func (l *Link) receive(ctx context.Context, deadline time.Time, terminators ...string) (string, int, error) {
	if len(terminators) == 0 {
		return "", -1, errors.New("link: no terminator given")
	}
	for _, t := range terminators {
		if t == "" {
			return "", -1, errors.New("link: empty terminator")
		}
	}

	for {
		if end, idx := firstMatch(l.pending, terminators); idx >= 0 {
			out := string(l.pending[:end])
			l.pending = append(l.pending[:0:0], l.pending[end:]...)
			return out, idx, nil
		}
		if err := ctx.Err(); err != nil {
			return "", -1, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", -1, fmt.Errorf("%w %q on %s (%d bytes pending)", ErrTimeout, terminators[0], l.name, len(l.pending))
		}
		if _, err := l.fill(ctx); err != nil {
			return "", -1, err
		}
	}
}

// fill performs one poll of the port, appending whatever arrived to pending.
// When nothing arrived it makes sure at least one poll interval elapsed so a
// port that returns immediately does not spin.
func (l *Link) fill(ctx context.Context) (int, error) {
	if l.isClosed() {
		return 0, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
	start := time.Now()
	n, err := l.port.Read(l.chunk)
	if n > 0 {
		l.pending = append(l.pending, l.chunk[:n]...)
		if l.onData != nil {
			l.onData(l.chunk[:n])
		}
	}
	if err != nil {
		if l.isClosed() {
			return n, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
		}
		return n, fmt.Errorf("%w: read %s: %w", ErrTransport, l.name, err)
	}
	if n == 0 {
		if rest := l.poll - time.Since(start); rest > 0 {
			t := time.NewTimer(rest)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-t.C:
			}
		}
	}
	return n, nil
}

// firstMatch returns the end offset of the earliest terminator in buf and
// that terminator's index, or -1 if none matched.
func firstMatch(buf []byte, terminators []string) (int, int) {
	bestPos, bestIdx, bestEnd := -1, -1, -1
	for i, t := range terminators {
		pos := bytes.Index(buf, []byte(t))
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos {
			bestPos, bestIdx, bestEnd = pos, i, pos+len(t)
		}
	}
	return bestEnd, bestIdx
}

// Close closes the port. In-flight and later reads fail with ErrTransport
// wrapping ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	log.Printf("[link] %s: closed", l.name)
	return l.port.Close()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
