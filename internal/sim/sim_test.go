package sim

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/domcal/internal/checksum"
	"github.com/shaunagostinho/domcal/internal/record"
)

func TestSyntheticRoundTrip(t *testing.T) {
	rec := Synthetic(rand.New(rand.NewSource(7)), 0x1234abcd)

	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		raw, err := record.Encode(rec, order)
		require.NoError(t, err)
		got, err := record.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
	assert.Equal(t, "6.1.0", rec.Version.String())
	assert.NotNil(t, rec.Transit)
	assert.NotNil(t, rec.HVGain)
	assert.Len(t, rec.Histograms, 4)
}

func TestSyntheticIsDeterministic(t *testing.T) {
	a := New(Options{Seed: 99})
	b := New(Options{Seed: 99})
	c := New(Options{Seed: 100})
	assert.Equal(t, a.Record(), b.Record())
	assert.NotEqual(t, a.Record().DOMID, c.Record().DOMID)
}

func TestDocumentFraming(t *testing.T) {
	d := New(Options{Seed: 3})
	doc := d.Payload()

	assert.True(t, strings.HasPrefix(doc, `<domcal version="6.1.0">`+"\r\n"))
	assert.True(t, strings.HasSuffix(doc, "</domcal>\r\n"))
	assert.Contains(t, doc, "<domid>"+d.Record().DOMID+"</domid>")
	for _, line := range strings.SplitAfter(doc, "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasSuffix(line, "\r\n"), "line %q", line)
	}
	assert.Equal(t, 1, strings.Count(doc, "<domcal"))
	assert.Equal(t, 4, strings.Count(doc, "<histo "))
}

func TestCorruptChangesChecksum(t *testing.T) {
	doc := New(Options{Seed: 5}).Payload()
	bad := corrupt(doc)
	assert.Len(t, bad, len(doc))
	assert.NotEqual(t, checksum.Sum([]byte(doc)), checksum.Sum([]byte(bad)))
	assert.Equal(t, strings.Count(doc, "\r\n"), strings.Count(bad, "\r\n"))
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 29, daysIn(2024, 2))
	assert.Equal(t, 28, daysIn(2026, 2))
	assert.Equal(t, 31, daysIn(2026, 10))
	assert.Equal(t, 31, daysIn(2026, 13))
}

// console drives a session over a pipe the way an operator would.
type console struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, d *DOM) *console {
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Serve(ctx, server) }()
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("session did not end")
		}
	})
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	return &console{t: t, conn: client, r: bufio.NewReader(client)}
}

func (c *console) send(text string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, text)
	require.NoError(c.t, err)
}

func (c *console) until(term string) string {
	c.t.Helper()
	var b strings.Builder
	for !strings.HasSuffix(b.String(), term) {
		ch, err := c.r.ReadByte()
		require.NoError(c.t, err, "waiting for %q after %q", term, b.String())
		b.WriteByte(ch)
	}
	return b.String()
}

func TestConsoleSession(t *testing.T) {
	d := New(Options{Seed: 11})
	c := dial(t, d)

	c.send("\r\n")
	assert.Equal(t, "\r\n> ", c.until("> "))

	c.send("bogus\r\n")
	assert.Contains(t, c.until("> "), "bogus ?")

	c.send("s\" domcal\" find if exec endif\r\n")
	c.until("Enter year (2004-...): ")
	c.send("2026\r\n")
	c.until("Enter month (1-12): ")
	c.send("2\r\n")
	assert.Contains(t, c.until(": "), "Enter day (1-28)")
	c.send("3\r\n")

	text := c.until("Retransmit XML (y/n)?\r\n")
	assert.Contains(t, text, d.Payload())
	assert.Contains(t, text, fmt.Sprintf("XML CRC32 0x%08X", checksum.Sum([]byte(d.Payload()))))
	c.send("n\r\n")
	c.until("REBOOT\r\n")

	assert.Equal(t, []string{"2026", "2", "3"}, d.Answers())
	assert.Equal(t, 1, d.Runs())
	assert.Equal(t, int16(2), d.Record().Month)

	c.send("s\" calib_data\" find if zd endif\r\n")
	c.until("endif\r\n")
	var hdr [4]byte
	_, err := io.ReadFull(c.r, hdr[:])
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(hdr[:])
	zr, err := zlib.NewReader(c.r)
	require.NoError(t, err)
	raw := make([]byte, n)
	_, err = io.ReadFull(zr, raw)
	require.NoError(t, err)

	rec, err := record.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, d.Record(), rec)
}

func TestConsoleRetransmit(t *testing.T) {
	d := New(Options{Seed: 12, BadTransmissions: 2, Running: true})
	c := dial(t, d)

	for attempt := 0; attempt < 3; attempt++ {
		text := c.until("Retransmit XML (y/n)?\r\n")
		// The record is stamped before the first transmission.
		want := fmt.Sprintf("XML CRC32 0x%08X", checksum.Sum([]byte(d.Payload())))
		i := strings.Index(text, "<domcal")
		j := strings.Index(text, "XML CRC32")
		require.True(t, i >= 0 && j > i)
		doc, crcLine := text[i:j], text[j:]
		good := checksum.Sum([]byte(doc)) == checksum.Sum([]byte(d.Payload())) && strings.HasPrefix(crcLine, want)
		assert.Equal(t, attempt == 2, good, "attempt %d", attempt)
		if good {
			c.send("n\r\n")
		} else {
			c.send("y\r\n")
		}
	}
	c.until("REBOOT\r\n")
}

func TestConsoleConfigBoot(t *testing.T) {
	d := New(Options{Seed: 13, ConfigBoot: true})
	c := dial(t, d)

	c.send("\r\n")
	assert.Equal(t, "\r\n# ", c.until("# "))
	c.send("r\r\n")
	assert.Equal(t, "\r\n> ", c.until("> "))
	c.send("\r\n")
	assert.Equal(t, "\r\n> ", c.until("> "))
}

func TestReadbackByteOrderAndLayout(t *testing.T) {
	d := New(Options{Seed: 14, ByteOrder: binary.BigEndian, Layout: record.LayoutExtended})
	c := dial(t, d)

	c.send("zd\r\n")
	c.until("zd\r\n")
	var hdr [4]byte
	_, err := io.ReadFull(c.r, hdr[:])
	require.NoError(t, err)
	zr, err := zlib.NewReader(c.r)
	require.NoError(t, err)
	raw := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(zr, raw)
	require.NoError(t, err)

	want, err := record.EncodeLayout(d.Record(), binary.BigEndian, record.LayoutExtended)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, raw))
	rec, err := record.DecodeLayout(raw, record.LayoutExtended)
	require.NoError(t, err)
	assert.Equal(t, d.Record(), rec)
}

func TestListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, d, err := Listen(ctx, "127.0.0.1:0", Options{Seed: 15})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "\r\n")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "\r\n> ", string(buf))
	assert.NotEmpty(t, d.Record().DOMID)
}
