package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/domcal/internal/checksum"
)

var samplePayload = []string{
	"<domcal version=\"6.1\">\r\n",
	"<date>10-17-2026</date>\r\n",
	"<domid>00ab0c0ffee1</domid>\r\n",
	"<temperature format=\"Kelvin\">251.2</temperature>\r\n",
	"</domcal>\r\n",
}

// scriptedDevice replays a calibration run. The first `bad` transmissions
// fail the checksum, alternating between a corrupted payload line and a
// wrong reported CRC.
type scriptedDevice struct {
	bad      int
	attempts int
	queue    []string
	sent     []string
	failRecv error
}

func newScriptedDevice(bad int) *scriptedDevice {
	d := &scriptedDevice{bad: bad}
	d.queue = append(d.queue, "Welcome to domcal version 6.1\r\n", "Pedestal pattern ... done\r\n")
	d.transmit()
	return d
}

func (d *scriptedDevice) transmit() {
	good := strings.Join(samplePayload, "")
	crc := checksum.Sum([]byte(good))
	corrupt := d.attempts < d.bad
	for i, line := range samplePayload {
		if corrupt && d.attempts%2 == 0 && i == 2 {
			line = strings.Replace(line, "0c0ffee1", "0c0ffee2", 1)
		}
		d.queue = append(d.queue, line)
	}
	if corrupt && d.attempts%2 == 1 {
		crc ^= 0x00010000
	}
	d.queue = append(d.queue,
		fmt.Sprintf("XML CRC32 0x%08X\r\n", crc),
		"Retransmit XML (y/n)? \r\n",
	)
	d.attempts++
}

func (d *scriptedDevice) Send(text string) error {
	d.sent = append(d.sent, text)
	switch text {
	case "y\r\n":
		d.transmit()
	case "n\r\n":
		d.queue = append(d.queue, "Calibration complete\r\n", "REBOOT requested\r\n")
	}
	return nil
}

func (d *scriptedDevice) Receive(ctx context.Context, terminator string) (string, error) {
	if d.failRecv != nil {
		return "", d.failRecv
	}
	if len(d.queue) == 0 {
		return "", io.EOF
	}
	line := d.queue[0]
	d.queue = d.queue[1:]
	return line, nil
}

func (d *scriptedDevice) count(answer string) int {
	n := 0
	for _, s := range d.sent {
		if s == answer {
			n++
		}
	}
	return n
}

func TestRetransmitBudget(t *testing.T) {
	for k := 0; k <= 7; k++ {
		t.Run(fmt.Sprintf("bad=%d", k), func(t *testing.T) {
			dev := newScriptedDevice(k)
			m := NewMachine(DefaultConfig())

			res, err := Run(context.Background(), dev, m)
			assert.Equal(t, SessionDone, m.State())
			assert.Equal(t, 1, dev.count("n\r\n"))

			if k <= 4 {
				require.NoError(t, err)
				assert.Equal(t, k, dev.count("y\r\n"))
				assert.Equal(t, k, res.Retransmits)
				assert.True(t, res.Complete)
				assert.Equal(t, strings.Join(samplePayload, ""), res.Payload)
				assert.Equal(t, res.DeviceCRC, res.LocalCRC)
				return
			}
			require.ErrorIs(t, err, ErrChecksumMismatchExhausted)
			assert.True(t, IsCaptureFailure(err))
			assert.Equal(t, 4, dev.count("y\r\n"))
			assert.False(t, res.Complete)
			assert.Contains(t, res.Log, "REBOOT")
		})
	}
}

func TestEndToEndLines(t *testing.T) {
	payload := []string{"<domcal>\n", "<temp>10</temp>\n", "</domcal>\n"}
	crc := checksum.Sum([]byte(strings.Join(payload, "")))

	m := NewMachine(DefaultConfig())
	for _, line := range payload {
		assert.Equal(t, ActionNone, m.Feed(line))
	}
	assert.Equal(t, PayloadComplete, m.State())

	assert.Equal(t, ActionNone, m.Feed(fmt.Sprintf("XML CRC32 0x%08X\n", crc)))
	assert.Equal(t, AwaitingRetransmitDecision, m.State())

	act := m.Feed("Retransmit XML (y/n)?\n")
	assert.Equal(t, ActionAccept, act)
	assert.Equal(t, "n\r\n", m.Config().Answer(act))
	assert.Zero(t, m.Retries())

	res := m.Result()
	assert.Equal(t, strings.Join(payload, ""), res.Payload)
	assert.Equal(t, crc, res.DeviceCRC)
	assert.NotContains(t, res.Log, "<temp>")
	assert.Contains(t, res.Log, "XML CRC32")

	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	assert.Equal(t, SessionDone, m.State())
	assert.NoError(t, m.Err())
}

func TestPayloadEndStopsCapture(t *testing.T) {
	m := NewMachine(DefaultConfig())
	m.Feed("boot chatter\n")
	m.Feed("<domcal>\n")
	m.Feed("</domcal>\n")
	m.Feed("after the document\n")

	res := m.Result()
	assert.Equal(t, "<domcal>\n</domcal>\n", res.Payload)
	assert.Equal(t, "boot chatter\nafter the document\n", res.Log)
	assert.Equal(t, checksum.Sum([]byte(res.Payload)), res.LocalCRC)
}

func TestSingleLinePayload(t *testing.T) {
	m := NewMachine(DefaultConfig())
	m.Feed("<domcal></domcal>\n")
	m.Feed("trailing\n")
	assert.Equal(t, "<domcal></domcal>\n", m.Result().Payload)
	assert.Equal(t, PayloadComplete, m.State())
}

func TestZeroChecksumForcesRetry(t *testing.T) {
	m := NewMachine(DefaultConfig())
	// No payload and a device CRC of zero: both sides zero still means retry.
	m.Feed("XML CRC32 0x00000000\n")
	assert.Equal(t, ActionRetransmit, m.Feed("Retransmit XML (y/n)?\n"))
	assert.Equal(t, 1, m.Retries())
	assert.Equal(t, AwaitingStart, m.State())
}

func TestMissingDeviceChecksumForcesRetry(t *testing.T) {
	m := NewMachine(DefaultConfig())
	for _, line := range samplePayload {
		m.Feed(line)
	}
	assert.Equal(t, ActionRetransmit, m.Feed("Retransmit XML (y/n)?\n"))
	assert.Empty(t, m.Result().Payload)
	assert.Zero(t, m.Result().LocalCRC)
}

func TestGiveUpIgnoresLaterPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	m := NewMachine(cfg)
	m.Feed("<domcal>\n")
	m.Feed("</domcal>\n")
	m.Feed("XML CRC32 0x1\n")
	assert.Equal(t, ActionGiveUp, m.Feed("Retransmit XML (y/n)?\n"))
	assert.Equal(t, Aborted, m.State())

	m.Feed("<domcal>\n")
	assert.Equal(t, Aborted, m.State())
	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	assert.ErrorIs(t, m.Err(), ErrChecksumMismatchExhausted)
	assert.False(t, m.Result().Complete)
}

func TestSessionEndsWithoutPrompt(t *testing.T) {
	m := NewMachine(DefaultConfig())
	m.Feed("<domcal>\n")
	m.Feed("</domcal>\n")
	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	assert.ErrorIs(t, m.Err(), ErrIncomplete)
}

func TestDamagedEndMarker(t *testing.T) {
	m := NewMachine(DefaultConfig())
	m.Feed("<domcal>\n")
	m.Feed("<temp>10</temp>\n")
	m.Feed("</domcaX>\n")
	assert.Equal(t, InPayload, m.State())

	crcLine := "XML CRC32 0x12345678\n"
	assert.Equal(t, ActionNone, m.Feed(crcLine))
	assert.Equal(t, AwaitingRetransmitDecision, m.State())
	assert.Equal(t, uint32(0x12345678), m.Result().DeviceCRC)
	assert.Contains(t, m.Result().Log, crcLine)
	assert.NotContains(t, m.Result().Payload, "XML CRC32")

	assert.Equal(t, ActionRetransmit, m.Feed("Retransmit XML (y/n)?\n"))
	assert.Equal(t, 1, m.Retries())

	good := strings.Join(samplePayload, "")
	for _, line := range samplePayload {
		m.Feed(line)
	}
	m.Feed(fmt.Sprintf("XML CRC32 0x%08X\n", checksum.Sum([]byte(good))))
	assert.Equal(t, ActionAccept, m.Feed("Retransmit XML (y/n)?\n"))
	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	require.NoError(t, m.Err())
	assert.Equal(t, good, m.Result().Payload)
}

func TestRebootInsidePayloadEndsSession(t *testing.T) {
	m := NewMachine(DefaultConfig())
	m.Feed("<domcal>\n")
	m.Feed("<temp>10</temp>\n")
	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	assert.Equal(t, SessionDone, m.State())
	assert.ErrorIs(t, m.Err(), ErrIncomplete)
	assert.Contains(t, m.Result().Log, "REBOOT")
}

func TestNewPayloadAfterAcceptIsUnverified(t *testing.T) {
	m := NewMachine(DefaultConfig())
	good := strings.Join(samplePayload, "")
	for _, line := range samplePayload {
		m.Feed(line)
	}
	m.Feed(fmt.Sprintf("XML CRC32 0x%08X\n", checksum.Sum([]byte(good))))
	require.Equal(t, ActionAccept, m.Feed("Retransmit XML (y/n)?\n"))

	m.Feed("<domcal>\n")
	m.Feed("</domcal>\n")
	assert.Equal(t, ActionDone, m.Feed("REBOOT\n"))
	assert.False(t, m.Result().Complete)
	assert.ErrorIs(t, m.Err(), ErrIncomplete)
}

func TestRunTransportError(t *testing.T) {
	dev := newScriptedDevice(0)
	dev.failRecv = errors.New("connection reset")

	_, err := Run(context.Background(), dev, NewMachine(DefaultConfig()))
	require.Error(t, err)
	assert.False(t, IsCaptureFailure(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunStreamClosedMidPayload(t *testing.T) {
	dev := newScriptedDevice(0)
	dev.queue = dev.queue[:4]

	m := NewMachine(DefaultConfig())
	_, err := Run(context.Background(), dev, m)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, InPayload, m.State())
}

func TestObserverEvents(t *testing.T) {
	var kinds []EventKind
	m := NewMachine(DefaultConfig())
	m.Observe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	_, err := Run(context.Background(), newScriptedDevice(2), m)
	require.NoError(t, err)

	count := func(k EventKind) int {
		n := 0
		for _, got := range kinds {
			if got == k {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, count(EventRetransmit))
	assert.Equal(t, 1, count(EventAccepted))
	assert.Equal(t, 3, count(EventDeviceCRC))
	assert.Zero(t, count(EventGaveUp))
}

func TestParseDeviceCRC(t *testing.T) {
	tests := []struct {
		line string
		want uint32
	}{
		{"XML CRC32 0x12345678\r\n", 0x12345678},
		{"XML CRC32 0XDEADBEEF\n", 0xDEADBEEF},
		{"XML CRC32: abcdef01\n", 0xABCDEF01},
		{"XML CRC32 0x1\n", 0x1},
		{"XML CRC32 0x123456789a\n", 0x12345678},
		{"XML CRC32 zz\n", 0},
		{"XML CRC32\n", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseDeviceCRC(tt.line, "XML CRC32"), tt.line)
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewMachine(Config{MaxRetries: 2, Yes: "Y\r"})
	cfg := m.Config()
	assert.Equal(t, "<domcal", cfg.StartMarker)
	assert.Equal(t, "Y\r", cfg.Answer(ActionRetransmit))
	assert.Equal(t, "n\r\n", cfg.Answer(ActionGiveUp))
	assert.Equal(t, "", cfg.Answer(ActionNone))
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "awaiting_retransmit_decision", AwaitingRetransmitDecision.String())
}
