// Package sim is a simulated DOM. It speaks enough of the iceboot console
// and the domcal program for the capture tool to be run without hardware:
// the wake prompt, the date dialogue, the calibration XML with its CRC and
// retransmit prompt, the reboot and the compressed record readback.
package sim

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/domcal/internal/checksum"
	"github.com/shaunagostinho/domcal/internal/record"
)

// Options shapes the simulated device.
type Options struct {
	// Seed drives the synthetic record. Zero picks one from the clock.
	Seed int64
	// BoardID is the low id word; zero derives it from Seed.
	BoardID uint32

	// BadTransmissions is how many XML transmissions fail their checksum
	// before a good one is sent.
	BadTransmissions int
	// ConfigBoot starts the device at the configboot '#' prompt.
	ConfigBoot bool
	// Silent never answers anything, for handshake timeout tests.
	Silent bool
	// Running starts streaming a calibration as soon as a client connects,
	// as if domcal had been started earlier.
	Running bool
	// ExtraPrompts are asked after the date prompts.
	ExtraPrompts []string

	// ByteOrder of the record readback. Defaults to little-endian.
	ByteOrder binary.ByteOrder
	Layout    record.HistogramLayout
	// TruncateReadback drops this many bytes from the end of the record
	// before it is compressed.
	TruncateReadback int

	// LineDelay is slept between calibration log lines.
	LineDelay time.Duration
}

// DOM is one simulated device. Sessions on it run one at a time.
type DOM struct {
	opts Options

	mu      sync.Mutex
	rec     *record.Record
	answers []string
	runs    int
}

// New creates a device with a synthetic record.
func New(opts Options) *DOM {
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.BoardID == 0 {
		opts.BoardID = rng.Uint32()
	}
	return &DOM{opts: opts, rec: Synthetic(rng, opts.BoardID)}
}

// Record returns the record the device currently holds.
func (d *DOM) Record() *record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec
}

// Payload returns the XML document for the current record.
func (d *DOM) Payload() string {
	return Document(d.Record())
}

// Answers returns every answer given to the date and extra prompts.
func (d *DOM) Answers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.answers...)
}

// Runs returns how many calibrations have completed.
func (d *DOM) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

// Listen serves the device on addr until ctx is done.
func Listen(ctx context.Context, addr string, opts Options) (net.Listener, *DOM, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("sim: listen %s: %w", addr, err)
	}
	d := New(opts)
	log.Printf("[sim] DOM %s listening on %s", d.Record().DOMID, ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if err := d.Serve(ctx, conn); err != nil {
				log.Printf("[sim] %s: %v", ln.Addr(), err)
			}
		}
	}()
	return ln, d, nil
}

// Serve runs one console session on conn and closes it. It returns nil when
// the client hangs up.
func (d *DOM) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	s := &session{dom: d, r: bufio.NewReader(conn), w: conn, configBoot: d.opts.ConfigBoot}
	err := s.run()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type session struct {
	dom        *DOM
	r          *bufio.Reader
	w          io.Writer
	configBoot bool
}

func (s *session) run() error {
	if s.dom.opts.Running {
		now := time.Now()
		if err := s.calibrate(now.Year(), int(now.Month()), now.Day()); err != nil {
			return err
		}
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if s.dom.opts.Silent {
			continue
		}
		cmd := strings.TrimSpace(line)

		if s.configBoot {
			if cmd == "r" {
				s.configBoot = false
				err = s.write("\r\n> ")
			} else {
				err = s.write("\r\n# ")
			}
			if err != nil {
				return err
			}
			continue
		}

		switch {
		case cmd == "":
			err = s.write("\r\n> ")
		case strings.Contains(cmd, "domcal") && strings.Contains(cmd, "exec"):
			if err = s.write(line + "\r\n"); err != nil {
				return err
			}
			if err = s.startCalibration(); err != nil {
				return err
			}
			// domcal ends by rebooting into the boot loader.
			s.configBoot = s.dom.opts.ConfigBoot
			continue
		case strings.Contains(cmd, "zd"):
			if err = s.write(line + "\r\n"); err != nil {
				return err
			}
			if err = s.sendRecord(); err != nil {
				return err
			}
			err = s.write("\r\n> ")
		default:
			err = s.write(line + "\r\n" + cmd + " ?\r\n> ")
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) startCalibration() error {
	year, err := s.ask("Enter year (2004-...): ")
	if err != nil {
		return err
	}
	month, err := s.ask("Enter month (1-12): ")
	if err != nil {
		return err
	}
	y, m := atoi(year), atoi(month)
	day, err := s.ask(fmt.Sprintf("Enter day (1-%d): ", daysIn(y, m)))
	if err != nil {
		return err
	}
	for _, p := range s.dom.opts.ExtraPrompts {
		if _, err := s.ask(p); err != nil {
			return err
		}
	}
	return s.calibrate(y, m, atoi(day))
}

func (s *session) ask(prompt string) (string, error) {
	if err := s.write(prompt); err != nil {
		return "", err
	}
	ans, err := s.readLine()
	if err != nil {
		return "", err
	}
	ans = strings.TrimSpace(ans)
	s.dom.mu.Lock()
	s.dom.answers = append(s.dom.answers, ans)
	s.dom.mu.Unlock()
	return ans, s.write(ans + "\r\n")
}

// calibrate stamps the record with the entered date and transmits the XML
// until the client accepts it or stops asking for retransmissions.
func (s *session) calibrate(year, month, day int) error {
	now := time.Now()
	s.dom.mu.Lock()
	rec := *s.dom.rec
	rec.Year, rec.Month, rec.Day = int16(year), int16(month), int16(day)
	rec.Hour, rec.Minute, rec.Second = int16(now.Hour()), int16(now.Minute()), int16(now.Second())
	s.dom.rec = &rec
	s.dom.mu.Unlock()

	chatter := []string{
		fmt.Sprintf("Starting domcal version %d.%d", rec.Version.Major, rec.Version.Minor),
		fmt.Sprintf("Date: %d-%d-%d", month, day, year),
		fmt.Sprintf("ID: %s", rec.DOMID),
		fmt.Sprintf("Temp: %.1f", rec.Temperature),
		"Calibrating ATWD ... done",
		"Calibrating FADC ... done",
		"Calibrating PMT transit time ... done",
		"Calibrating HV gain ... done",
		"Calibration completed successfully.",
	}
	for _, line := range chatter {
		if err := s.write(line + "\r\n"); err != nil {
			return err
		}
		if s.dom.opts.LineDelay > 0 {
			time.Sleep(s.dom.opts.LineDelay)
		}
	}

	doc := Document(&rec)
	crc := checksum.Sum([]byte(doc))
	for attempt := 0; ; attempt++ {
		sent, reported := doc, crc
		if attempt < s.dom.opts.BadTransmissions {
			if attempt%2 == 0 {
				sent = corrupt(doc)
			} else {
				reported ^= 0x00010000
			}
		}
		if err := s.write(sent); err != nil {
			return err
		}
		if err := s.write(fmt.Sprintf("XML CRC32 0x%08X\r\nRetransmit XML (y/n)?\r\n", reported)); err != nil {
			return err
		}
		ans, err := s.readLine()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ans)), "y") {
			break
		}
	}

	s.dom.mu.Lock()
	s.dom.runs++
	s.dom.mu.Unlock()
	return s.write("REBOOT\r\n")
}

// sendRecord writes the zd reply: a little-endian length then the zlib
// compressed record.
func (s *session) sendRecord() error {
	raw, err := record.EncodeLayout(s.dom.Record(), s.dom.opts.ByteOrder, s.dom.opts.Layout)
	if err != nil {
		return err
	}
	if n := s.dom.opts.TruncateReadback; n > 0 && n <= len(raw) {
		raw = raw[:len(raw)-n]
	}
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(raw)))
	buf.Write(hdr[:])
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = s.w.Write(buf.Bytes())
	return err
}

// readLine returns the next command. CR ends a line; LF is ignored so that
// both "\r" and "\r\n" terminate exactly one line.
func (s *session) readLine() (string, error) {
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch c {
		case '\r':
			return b.String(), nil
		case '\n':
		default:
			b.WriteByte(c)
		}
	}
}

func (s *session) write(text string) error {
	_, err := io.WriteString(s.w, text)
	return err
}

// corrupt flips one character in the middle of the document.
func corrupt(doc string) string {
	b := []byte(doc)
	i := len(b) / 2
	for b[i] == '\r' || b[i] == '\n' {
		i++
	}
	b[i] ^= 0x01
	return string(b)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func daysIn(year, month int) int {
	if month < 1 || month > 12 {
		return 31
	}
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
