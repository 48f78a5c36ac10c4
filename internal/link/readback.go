package link

import (
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"time"
)

// MaxReadbackSize caps the inflated length announced by the device.
const MaxReadbackSize = 16 << 20

// Readback describes the compressed dump of the calibration record stored in
// device flash.
type Readback struct {
	Command   string `yaml:"command" json:"command"`
	Echo      string `yaml:"echo" json:"echo"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// DefaultReadback returns the iceboot "zd" dump of the calib_data file.
func DefaultReadback() Readback {
	return Readback{
		Command:   "s\" calib_data\" find if zd endif\r\n",
		Echo:      "\r\n",
		TimeoutMs: 60000,
	}
}

// ReadCompressed sends the dump command, skips the echoed command line, then
// reads a 4-byte little-endian length followed by a zlib stream and returns
// exactly that many inflated bytes.
func (l *Link) ReadCompressed(ctx context.Context, rb Readback) ([]byte, error) {
	budget := time.Duration(rb.TimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := l.Send(rb.Command); err != nil {
		return nil, err
	}
	if _, err := l.Receive(ctx, rb.Echo); err != nil {
		return nil, fmt.Errorf("readback echo: %w", err)
	}

	r := &streamReader{ctx: ctx, l: l}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("readback length: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > MaxReadbackSize {
		return nil, fmt.Errorf("readback length %d exceeds %d", size, MaxReadbackSize)
	}

	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("readback zlib header: %w", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("readback inflate (%d bytes expected): %w", size, err)
	}
	// Consume the adler32 trailer so it does not leak into the next Receive.
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, fmt.Errorf("readback trailer: %w", err)
	}
	log.Printf("[link] %s: read back %d bytes", l.name, size)
	return out, nil
}

// streamReader exposes the link as an io.Reader + io.ByteReader so that the
// flate decoder consumes exactly the compressed bytes and leaves anything
// after the stream in pending.
type streamReader struct {
	ctx context.Context
	l   *Link
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.l.pending) == 0 {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := r.l.fill(r.ctx); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.l.pending)
	r.l.pending = r.l.pending[n:]
	return n, nil
}

func (r *streamReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
