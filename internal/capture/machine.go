// Package capture separates the calibration payload from the device's log
// chatter, checks it against the CRC the device reports and drives the
// retransmit dialogue.
package capture

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/shaunagostinho/domcal/internal/checksum"
)

var (
	// ErrChecksumMismatchExhausted means every retransmission still failed
	// the CRC check. The capture yields no record; the log is still valid.
	ErrChecksumMismatchExhausted = errors.New("capture: checksum mismatch after all retransmissions")

	// ErrIncomplete means the session ended before a payload was verified.
	ErrIncomplete = errors.New("capture: session ended without a verified payload")
)

// State is the position of the machine in the capture dialogue.
type State int

const (
	Idle State = iota
	AwaitingStart
	InPayload
	PayloadComplete
	AwaitingRetransmitDecision
	Aborted
	SessionDone
)

var stateNames = [...]string{
	Idle:                       "idle",
	AwaitingStart:              "awaiting_start",
	InPayload:                  "in_payload",
	PayloadComplete:            "payload_complete",
	AwaitingRetransmitDecision: "awaiting_retransmit_decision",
	Aborted:                    "aborted",
	SessionDone:                "session_done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action tells the caller what, if anything, to send after a line.
type Action int

const (
	ActionNone Action = iota
	// ActionAccept declines retransmission: the payload matched.
	ActionAccept
	// ActionRetransmit asks the device to send the payload again.
	ActionRetransmit
	// ActionGiveUp declines retransmission with the retry budget spent.
	ActionGiveUp
	// ActionDone ends the session.
	ActionDone
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAccept:
		return "accept"
	case ActionRetransmit:
		return "retransmit"
	case ActionGiveUp:
		return "give_up"
	case ActionDone:
		return "done"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Config holds the markers the device prints and the answers sent back.
type Config struct {
	StartMarker      string `yaml:"start_marker" json:"startMarker"`
	EndMarker        string `yaml:"end_marker" json:"endMarker"`
	CRCToken         string `yaml:"crc_token" json:"crcToken"`
	RetransmitPrompt string `yaml:"retransmit_prompt" json:"retransmitPrompt"`
	DoneMarker       string `yaml:"done_marker" json:"doneMarker"`
	Yes              string `yaml:"yes" json:"yes"`
	No               string `yaml:"no" json:"no"`
	LineTerminator   string `yaml:"line_terminator" json:"lineTerminator"`
	MaxRetries       int    `yaml:"max_retries" json:"maxRetries"`
}

// DefaultConfig returns the markers printed by the domcal firmware.
func DefaultConfig() Config {
	return Config{
		StartMarker:      "<domcal",
		EndMarker:        "</domcal>",
		CRCToken:         "XML CRC32",
		RetransmitPrompt: "Retransmit XML",
		DoneMarker:       "REBOOT",
		Yes:              "y\r\n",
		No:               "n\r\n",
		LineTerminator:   "\n",
		MaxRetries:       4,
	}
}

// Answer returns the text to send for a, or "" when nothing is sent.
func (c Config) Answer(a Action) string {
	switch a {
	case ActionRetransmit:
		return c.Yes
	case ActionAccept, ActionGiveUp:
		return c.No
	default:
		return ""
	}
}

// EventKind classifies an Event.
type EventKind string

const (
	EventState      EventKind = "state"
	EventLog        EventKind = "log"
	EventDeviceCRC  EventKind = "device_crc"
	EventRetransmit EventKind = "retransmit"
	EventAccepted   EventKind = "accepted"
	EventGaveUp     EventKind = "gave_up"
)

// Event is reported to an observer as the machine advances.
type Event struct {
	Kind    EventKind `json:"kind"`
	State   string    `json:"state"`
	Line    string    `json:"line,omitempty"`
	Retries int       `json:"retries"`
	Device  uint32    `json:"device,omitempty"`
	Local   uint32    `json:"local,omitempty"`
}

// Result is the outcome of one capture.
type Result struct {
	// Payload is the text between and including the marker lines, exactly as
	// it was hashed. It is only usable when Complete is set.
	Payload string
	Log     string

	DeviceCRC   uint32
	LocalCRC    uint32
	Retransmits int
	Complete    bool
}

// Machine classifies device output line by line. It is owned by a single
// goroutine.
type Machine struct {
	cfg   Config
	state State

	log     strings.Builder
	payload strings.Builder
	crc     *checksum.CRC32

	device        uint32
	inPayload     bool
	payloadClosed bool
	retries       int
	accepted      bool
	failed        bool

	observer func(Event)
}

// NewMachine returns a machine in the Idle state. Empty markers and answers
// take their defaults; MaxRetries is used as given.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: withDefaults(cfg), crc: checksum.New()}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.StartMarker == "" {
		cfg.StartMarker = def.StartMarker
	}
	if cfg.EndMarker == "" {
		cfg.EndMarker = def.EndMarker
	}
	if cfg.CRCToken == "" {
		cfg.CRCToken = def.CRCToken
	}
	if cfg.RetransmitPrompt == "" {
		cfg.RetransmitPrompt = def.RetransmitPrompt
	}
	if cfg.DoneMarker == "" {
		cfg.DoneMarker = def.DoneMarker
	}
	if cfg.Yes == "" {
		cfg.Yes = def.Yes
	}
	if cfg.No == "" {
		cfg.No = def.No
	}
	if cfg.LineTerminator == "" {
		cfg.LineTerminator = def.LineTerminator
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// Observe registers fn to receive events. Pass nil to stop.
func (m *Machine) Observe(fn func(Event)) { m.observer = fn }

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Retries returns how many retransmissions have been requested.
func (m *Machine) Retries() int { return m.retries }

// Feed classifies one line, including its trailing newline, and returns
// what the caller must do next.
func (m *Machine) Feed(line string) Action {
	if m.state == Idle {
		m.setState(AwaitingStart)
	}
	if m.state == SessionDone {
		m.appendLog(line)
		return ActionNone
	}

	if m.inPayload && m.isControl(line) {
		// The end marker was lost; what was captured stays unverified.
		log.Printf("[capture] %q inside payload, closing it after %d bytes", strings.TrimSpace(line), m.payload.Len())
		m.closePayload()
	}

	if m.inPayload {
		m.appendPayload(line)
		if strings.Contains(line, m.cfg.EndMarker) {
			m.closePayload()
		}
		return ActionNone
	}

	switch {
	case strings.Contains(line, m.cfg.StartMarker) && m.state != Aborted:
		if m.payload.Len() > 0 {
			log.Printf("[capture] new payload start after %d captured bytes, discarding them", m.payload.Len())
			m.resetPayload()
		}
		m.inPayload = true
		m.setState(InPayload)
		m.appendPayload(line)
		if strings.Contains(line, m.cfg.EndMarker) {
			m.closePayload()
		}
		return ActionNone

	case strings.Contains(line, m.cfg.CRCToken):
		m.appendLog(line)
		m.device = parseDeviceCRC(line, m.cfg.CRCToken)
		m.emit(Event{Kind: EventDeviceCRC, Line: line, Device: m.device, Local: m.crc.Value()})
		if m.state != Aborted {
			m.setState(AwaitingRetransmitDecision)
		}
		return ActionNone

	case strings.Contains(line, m.cfg.RetransmitPrompt):
		m.appendLog(line)
		return m.decide()

	case strings.Contains(line, m.cfg.DoneMarker):
		m.appendLog(line)
		m.setState(SessionDone)
		return ActionDone

	default:
		m.appendLog(line)
		return ActionNone
	}
}

// decide answers a retransmit prompt.
func (m *Machine) decide() Action {
	if m.state == Aborted {
		return ActionGiveUp
	}
	local := m.crc.Value()
	if local == m.device && local != 0 {
		m.accepted = true
		m.setState(PayloadComplete)
		m.emit(Event{Kind: EventAccepted, Device: m.device, Local: local})
		return ActionAccept
	}

	if m.retries < m.cfg.MaxRetries {
		m.retries++
		log.Printf("[capture] checksum mismatch (device 0x%08X, local 0x%08X), retransmission %d/%d",
			m.device, local, m.retries, m.cfg.MaxRetries)
		m.emit(Event{Kind: EventRetransmit, Device: m.device, Local: local})
		m.resetPayload()
		m.device = 0
		m.setState(AwaitingStart)
		return ActionRetransmit
	}

	log.Printf("[capture] checksum mismatch (device 0x%08X, local 0x%08X), giving up after %d retransmissions",
		m.device, local, m.retries)
	m.failed = true
	m.accepted = false
	m.emit(Event{Kind: EventGaveUp, Device: m.device, Local: local})
	m.setState(Aborted)
	return ActionGiveUp
}

// isControl reports whether line carries one of the device's session
// markers, which are never payload.
func (m *Machine) isControl(line string) bool {
	return strings.Contains(line, m.cfg.CRCToken) ||
		strings.Contains(line, m.cfg.RetransmitPrompt) ||
		strings.Contains(line, m.cfg.DoneMarker)
}

func (m *Machine) closePayload() {
	m.inPayload = false
	m.payloadClosed = true
	m.setState(PayloadComplete)
}

func (m *Machine) resetPayload() {
	m.payload.Reset()
	m.crc.Reset()
	m.inPayload = false
	m.payloadClosed = false
	m.accepted = false
}

func (m *Machine) appendPayload(line string) {
	m.payload.WriteString(line)
	m.crc.WriteString(line)
}

func (m *Machine) appendLog(line string) {
	m.log.WriteString(line)
	m.emit(Event{Kind: EventLog, Line: line})
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emit(Event{Kind: EventState})
}

func (m *Machine) emit(ev Event) {
	if m.observer == nil {
		return
	}
	ev.State = m.state.String()
	ev.Retries = m.retries
	m.observer(ev)
}

// Result snapshots the buffers.
func (m *Machine) Result() Result {
	return Result{
		Payload:     m.payload.String(),
		Log:         m.log.String(),
		DeviceCRC:   m.device,
		LocalCRC:    m.crc.Value(),
		Retransmits: m.retries,
		Complete:    m.accepted && m.payloadClosed,
	}
}

// Err reports why the capture produced no record, or nil if it did.
func (m *Machine) Err() error {
	switch {
	case m.failed:
		return ErrChecksumMismatchExhausted
	case !m.accepted || !m.payloadClosed:
		return ErrIncomplete
	default:
		return nil
	}
}

// parseDeviceCRC reads up to 8 hex digits after token, with or without a 0x
// prefix. Anything unparsable yields 0, which never matches.
func parseDeviceCRC(line, token string) uint32 {
	i := strings.Index(line, token)
	if i < 0 {
		return 0
	}
	rest := strings.TrimSpace(line[i+len(token):])
	rest = strings.TrimLeft(rest, ":= \t")
	if len(rest) >= 2 && rest[0] == '0' && (rest[1] == 'x' || rest[1] == 'X') {
		rest = rest[2:]
	}
	end := 0
	for end < len(rest) && end < 8 && isHex(rest[end]) {
		end++
	}
	if end == 0 {
		log.Printf("[capture] no checksum digits in %q", strings.TrimSpace(line))
		return 0
	}
	v, err := strconv.ParseUint(rest[:end], 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
