// Package visit runs one complete calibration conversation with a device:
// connect, start domcal, capture and verify the XML, read back and decode
// the binary record, then store the artefacts.
package visit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/domcal/internal/capture"
	"github.com/shaunagostinho/domcal/internal/link"
	"github.com/shaunagostinho/domcal/internal/output"
	"github.com/shaunagostinho/domcal/internal/record"
)

// Status is the outcome of a visit.
type Status string

const (
	StatusOK             Status = "ok"
	StatusChecksumFailed Status = "checksum_failed"
	StatusIncomplete     Status = "incomplete"
	StatusDecodeFailed   Status = "decode_failed"
	StatusConnectTimeout Status = "connect_timeout"
	StatusTransportError Status = "transport_error"
	StatusProtocolError  Status = "protocol_error"
	StatusTimeout        Status = "timeout"
	StatusCancelled      Status = "cancelled"
)

// Prompt is one question asked by domcal before it starts and the answer
// given. {year}, {month} and {day} in Answer are replaced by today's date.
type Prompt struct {
	Match  string `yaml:"match" json:"match"`
	Answer string `yaml:"answer" json:"answer"`
}

// StartConfig controls how the calibration program is launched.
type StartConfig struct {
	// Enabled false attaches to a calibration that is already running:
	// handshake and start are skipped and capture begins at once.
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Command      string   `yaml:"command" json:"command"`
	Echo         string   `yaml:"echo" json:"echo"`
	PromptEnd    string   `yaml:"prompt_end" json:"promptEnd"`
	AnswerSuffix string   `yaml:"answer_suffix" json:"answerSuffix"`
	Prompts      []Prompt `yaml:"prompts" json:"prompts"`
	TimeoutMs    int      `yaml:"timeout_ms" json:"timeoutMs"`
}

// DefaultStart launches domcal from iceboot and answers its date prompts.
func DefaultStart() StartConfig {
	return StartConfig{
		Enabled:      true,
		Command:      "s\" domcal\" find if exec endif\r\n",
		Echo:         "\r\n",
		PromptEnd:    ": ",
		AnswerSuffix: "\r\n",
		Prompts: []Prompt{
			{Match: "Enter year", Answer: "{year}"},
			{Match: "Enter month", Answer: "{month}"},
			{Match: "Enter day", Answer: "{day}"},
		},
		TimeoutMs: 30000,
	}
}

// ReadbackConfig controls the binary record download after a good capture.
type ReadbackConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Reconnect repeats the wake handshake first; domcal reboots the device
	// when it finishes.
	Reconnect     bool   `yaml:"reconnect" json:"reconnect"`
	Layout        string `yaml:"layout" json:"layout"`
	link.Readback `yaml:",inline"`
}

// DefaultReadback returns the zd download of calib_data.
func DefaultReadback() ReadbackConfig {
	return ReadbackConfig{Enabled: true, Reconnect: true, Layout: "record", Readback: link.DefaultReadback()}
}

// Config is everything a visit needs besides the device address.
type Config struct {
	Handshake link.Handshake
	Start     StartConfig
	Capture   capture.Config
	Readback  ReadbackConfig
	// Timeout bounds the whole visit.
	Timeout time.Duration
	// PollInterval overrides the link's idle poll interval.
	PollInterval time.Duration
}

// DefaultTimeout is the ceiling for a complete visit.
const DefaultTimeout = 9000 * time.Second

// DefaultConfig returns the settings for a domcal run over iceboot.
func DefaultConfig() Config {
	return Config{
		Handshake: link.DefaultHandshake(),
		Start:     DefaultStart(),
		Capture:   capture.DefaultConfig(),
		Readback:  DefaultReadback(),
		Timeout:   DefaultTimeout,
	}
}

// Result describes a finished visit. Artefact paths are empty when the
// file was not written.
type Result struct {
	Device   string
	Started  time.Time
	Duration time.Duration
	Status   Status
	Err      error

	Capture capture.Result
	Record  *record.Record
	Raw     []byte

	PayloadPath string
	LogPath     string
	BinaryPath  string
	ArchiveID   string
}

// OK reports whether the visit produced a record.
func (r Result) OK() bool { return r.Status == StatusOK }

// Saver stores decoded records. *archive.Archive implements it.
type Saver interface {
	Save(ctx context.Context, rec *record.Record, raw []byte) (string, error)
}

// Dialer opens the transport to a device.
type Dialer func(link.Config) (link.Port, error)

// Runner executes visits with shared output and archive.
type Runner struct {
	cfg    Config
	out    *output.Writer
	store  Saver
	events func(Event)
	dial   Dialer
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput writes artefacts through w.
func WithOutput(w *output.Writer) Option { return func(r *Runner) { r.out = w } }

// WithArchive saves decoded records to s.
func WithArchive(s Saver) Option { return func(r *Runner) { r.store = s } }

// WithEvents publishes progress to fn. fn is called from visit goroutines.
func WithEvents(fn func(Event)) Option { return func(r *Runner) { r.events = fn } }

// WithDialer replaces link.Open.
func WithDialer(d Dialer) Option { return func(r *Runner) { r.dial = d } }

// WithClock replaces time.Now for the date answers.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New creates a Runner.
func New(cfg Config, opts ...Option) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Runner{cfg: cfg, dial: link.Open, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll visits every device concurrently, one worker each, and returns the
// results in input order.
func (r *Runner) RunAll(ctx context.Context, devices []link.Config) []Result {
	results := make([]Result, len(devices))
	var wg sync.WaitGroup
	for i, dev := range devices {
		wg.Add(1)
		go func(i int, dev link.Config) {
			defer wg.Done()
			results[i] = r.Run(ctx, dev)
		}(i, dev)
	}
	wg.Wait()
	return results
}

// Run performs one visit. It never panics on device input and always
// returns a Result; Result.Err explains any status other than StatusOK.
func (r *Runner) Run(ctx context.Context, dev link.Config) Result {
	res := Result{Device: dev.Address(), Started: r.now()}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	r.emit(Event{Device: res.Device, Kind: EventStarted})
	log.Printf("[visit] %s: starting", res.Device)

	r.run(ctx, dev, &res)

	res.Duration = time.Since(res.Started)
	r.finish(&res)
	return res
}

func (r *Runner) run(ctx context.Context, dev link.Config, res *Result) {
	port, err := r.dial(dev)
	if err != nil {
		r.fail(ctx, res, StatusTransportError, err)
		return
	}

	var opts []link.Option
	if r.cfg.PollInterval > 0 {
		opts = append(opts, link.WithPollInterval(r.cfg.PollInterval))
	}
	l := link.New(port, res.Device, opts...)
	defer l.Close()

	// Closing the link aborts any read in flight when the visit watchdog
	// fires or the caller cancels.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	if r.cfg.Start.Enabled {
		if err := l.Connect(ctx, r.cfg.Handshake); err != nil {
			r.fail(ctx, res, statusFor(err, StatusTransportError), err)
			return
		}
		r.emit(Event{Device: res.Device, Kind: EventConnected})
		if err := r.start(ctx, l); err != nil {
			r.fail(ctx, res, statusFor(err, StatusTransportError), err)
			return
		}
	}

	m := capture.NewMachine(r.cfg.Capture)
	m.Observe(func(ev capture.Event) {
		r.emit(Event{
			Device:  res.Device,
			Kind:    EventKind(ev.Kind),
			State:   ev.State,
			Line:    strings.TrimRight(ev.Line, "\r\n"),
			Retries: ev.Retries,
		})
	})
	capRes, err := capture.Run(ctx, l, m)
	res.Capture = capRes
	r.saveLog(res)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrChecksumMismatchExhausted):
			r.fail(ctx, res, StatusChecksumFailed, err)
		case errors.Is(err, capture.ErrIncomplete):
			r.fail(ctx, res, StatusIncomplete, err)
		default:
			r.fail(ctx, res, statusFor(err, StatusTransportError), err)
		}
		return
	}

	name := output.Stem(res.Device)
	if r.cfg.Readback.Enabled {
		if err := r.readback(ctx, l, res); err != nil {
			// The verified payload is still worth keeping.
			r.savePayload(res, name)
			if errors.Is(err, record.ErrTruncated) || errors.Is(err, record.ErrMalformedField) {
				r.fail(ctx, res, StatusDecodeFailed, err)
			} else {
				r.fail(ctx, res, statusFor(err, StatusTransportError), err)
			}
			return
		}
		name = res.Record.DOMID
	}
	r.savePayload(res, name)
	r.saveRecord(ctx, res)
	res.Status = StatusOK
}

// start launches domcal and answers its prompts.
func (r *Runner) start(ctx context.Context, l *link.Link) error {
	sc := r.cfg.Start
	budget := time.Duration(sc.TimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = 30 * time.Second
	}
	if err := l.Send(sc.Command); err != nil {
		return err
	}
	if _, err := l.ReceiveTimeout(ctx, sc.Echo, budget); err != nil {
		return fmt.Errorf("start echo: %w", err)
	}

	now := r.now()
	fill := strings.NewReplacer(
		"{year}", strconv.Itoa(now.Year()),
		"{month}", strconv.Itoa(int(now.Month())),
		"{day}", strconv.Itoa(now.Day()),
	)
	for _, p := range sc.Prompts {
		text, err := l.ReceiveTimeout(ctx, sc.PromptEnd, budget)
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", p.Match, err)
		}
		if !strings.Contains(text, p.Match) {
			return fmt.Errorf("%w: expected prompt %q, got %q", ErrUnexpectedPrompt, p.Match, lastLine(text))
		}
		if err := l.Send(fill.Replace(p.Answer) + sc.AnswerSuffix); err != nil {
			return err
		}
	}
	log.Printf("[visit] %s: calibration started", l.Name())
	return nil
}

// ErrUnexpectedPrompt means domcal asked something the start dialogue did
// not expect.
var ErrUnexpectedPrompt = errors.New("visit: unexpected prompt")

func (r *Runner) readback(ctx context.Context, l *link.Link, res *Result) error {
	layout, err := record.ParseLayout(r.cfg.Readback.Layout)
	if err != nil {
		return err
	}
	if r.cfg.Readback.Reconnect {
		if err := l.Connect(ctx, r.cfg.Handshake); err != nil {
			return fmt.Errorf("reconnect for readback: %w", err)
		}
	}
	raw, err := l.ReadCompressed(ctx, r.cfg.Readback.Readback)
	if err != nil {
		return err
	}
	res.Raw = raw
	rec, err := record.DecodeLayout(raw, layout)
	if err != nil {
		if r.out != nil {
			// Keep the undecodable bytes for inspection.
			if p, werr := r.out.SaveBinary(output.Stem(res.Device), raw); werr == nil {
				res.BinaryPath = p
			}
		}
		return fmt.Errorf("decode readback: %w", err)
	}
	res.Record = rec
	log.Printf("[visit] %s: record %s version %s, %.1f K, %d histograms",
		res.Device, rec.DOMID, rec.Version, rec.Temperature, len(rec.Histograms))
	return nil
}

func (r *Runner) saveLog(res *Result) {
	if r.out == nil {
		return
	}
	p, err := r.out.SaveLog(res.Device, res.Started, res.Capture.Log)
	if err != nil {
		log.Printf("[visit] %s: %v", res.Device, err)
		return
	}
	res.LogPath = p
}

func (r *Runner) savePayload(res *Result, name string) {
	if r.out == nil || !res.Capture.Complete {
		return
	}
	p, err := r.out.SavePayload(name, res.Capture.Payload)
	if err != nil {
		log.Printf("[visit] %s: %v", res.Device, err)
		return
	}
	res.PayloadPath = p
}

func (r *Runner) saveRecord(ctx context.Context, res *Result) {
	if res.Record == nil {
		return
	}
	if r.out != nil {
		p, err := r.out.SaveBinary(res.Record.DOMID, res.Raw)
		if err != nil {
			log.Printf("[visit] %s: %v", res.Device, err)
		} else {
			res.BinaryPath = p
		}
	}
	if r.store != nil {
		id, err := r.store.Save(ctx, res.Record, res.Raw)
		if err != nil {
			log.Printf("[visit] %s: archive: %v", res.Device, err)
			return
		}
		res.ArchiveID = id
	}
}

// fail records the first failure. A failure caused by the visit deadline
// or by the caller is reported as such regardless of how it surfaced.
func (r *Runner) fail(ctx context.Context, res *Result, status Status, err error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		status = StatusCancelled
	}
	res.Status = status
	res.Err = err
}

func (r *Runner) finish(res *Result) {
	if res.OK() {
		log.Printf("[visit] %s: done in %v, payload %d bytes", res.Device, res.Duration.Round(time.Second), len(res.Capture.Payload))
	} else {
		log.Printf("[visit] %s: %s after %v: %v", res.Device, res.Status, res.Duration.Round(time.Second), res.Err)
	}

	ev := Event{Device: res.Device, Kind: EventOutcome, Status: string(res.Status), Retries: res.Capture.Retransmits}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if res.Record != nil {
		ev.DOMID = res.Record.DOMID
	}
	r.emit(ev)

	if r.out != nil {
		r.out.Record(summarize(res))
	}
}

func (r *Runner) emit(ev Event) {
	if r.events == nil {
		return
	}
	ev.Time = time.Now().UnixMilli()
	r.events(ev)
}

func statusFor(err error, fallback Status) Status {
	switch {
	case errors.Is(err, link.ErrConnectTimeout):
		return StatusConnectTimeout
	case errors.Is(err, ErrUnexpectedPrompt), errors.Is(err, link.ErrTimeout):
		return StatusProtocolError
	default:
		return fallback
	}
}

func summarize(res *Result) output.Summary {
	s := output.Summary{
		Started:     res.Started,
		Duration:    res.Duration,
		Device:      res.Device,
		Status:      string(res.Status),
		Retransmits: res.Capture.Retransmits,
		DeviceCRC:   res.Capture.DeviceCRC,
		PayloadPath: res.PayloadPath,
		ArchiveID:   res.ArchiveID,
		Err:         res.Err,
	}
	if rec := res.Record; rec != nil {
		s.DOMID = rec.DOMID
		s.Temperature = rec.Temperature
		s.Version = rec.Version.String()
	}
	return s
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\r\n")
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}
