package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated means a field, or an array implied by a count, runs past
	// the end of the buffer.
	ErrTruncated = errors.New("record: truncated")

	// ErrMalformedField means a field holds a value the layout cannot follow,
	// such as a negative count.
	ErrMalformedField = errors.New("record: malformed field")
)

// DecodeError locates a decode failure. errors.Is matches ErrTruncated or
// ErrMalformedField.
type DecodeError struct {
	Err    error
	Field  string
	Offset int
	// Need is the number of bytes the failed read required.
	Need int
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrTruncated) {
		return fmt.Sprintf("%v: %s at offset %d needs %d bytes", e.Err, e.Field, e.Offset, e.Need)
	}
	return fmt.Sprintf("%v: %s at offset %d", e.Err, e.Field, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HistogramLayout selects the field order of a histogram block.
type HistogramLayout int

const (
	// LayoutRecord is the persisted record layout: fill flag and noise rate
	// are not on the wire.
	LayoutRecord HistogramLayout = iota
	// LayoutExtended appends noise rate and the fill flag after the
	// peak-to-valley ratio.
	LayoutExtended
)

func (l HistogramLayout) String() string {
	switch l {
	case LayoutRecord:
		return "record"
	case LayoutExtended:
		return "extended"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a config string onto a layout.
func ParseLayout(s string) (HistogramLayout, error) {
	switch s {
	case "", "record":
		return LayoutRecord, nil
	case "extended":
		return LayoutExtended, nil
	default:
		return LayoutRecord, fmt.Errorf("unknown histogram layout %q", s)
	}
}

// Wire sizes used for bounds checks before allocating.
const (
	sizeBaseline   = NumATWD * NumChannels * 4
	sizeHVBaseline = 2 + sizeBaseline
	sizeBin        = 8
	sizeHistoMin   = 2 + 2 + 5*4 + 2 + 4
)

// Decode decodes a record in LayoutRecord.
func Decode(buf []byte) (*Record, error) {
	return DecodeLayout(buf, LayoutRecord)
}

// DecodeLayout decodes a record whose histograms use the given layout.
func DecodeLayout(buf []byte, layout HistogramLayout) (*Record, error) {
	order, major, err := detectByteOrder(buf)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: buf, off: 2, order: order}
	rec := &Record{}
	rec.Version.Major = major
	rec.Version.Minor = r.u16("version.minor")
	rec.Version.Patch = r.u16("version.patch")
	rec.Length = r.u16("length")

	rec.Day = r.i16("day")
	rec.Month = r.i16("month")
	rec.Year = r.i16("year")
	rec.Hour = r.i16("hour")
	rec.Minute = r.i16("minute")
	rec.Second = r.i16("second")

	rec.IDWords[0] = r.u32("domid[0]")
	rec.IDWords[1] = r.u32("domid[1]")
	rec.DOMID = FormatDOMID(rec.IDWords[0], rec.IDWords[1])

	rec.Temperature = r.f32("temperature")

	for i := range rec.DAC {
		rec.DAC[i] = r.i16("dac")
	}
	for i := range rec.ADC {
		rec.ADC[i] = r.i16("adc")
	}

	rec.FADCBaseline = r.linear("fadc_baseline")
	rec.FADCGain = r.valueError("fadc_gain")
	rec.FADCDeltaT = r.valueError("fadc_delta_t")

	rec.SPEDisc = r.linear("spe_disc")
	rec.MPEDisc = r.linear("mpe_disc")

	for atwd := 0; atwd < NumATWD; atwd++ {
		for ch := 0; ch < NumChannels; ch++ {
			for bin := 0; bin < NumBins; bin++ {
				rec.ATWD[atwd][ch][bin] = r.linear("atwd")
			}
		}
	}

	for i := range rec.Amplifier {
		rec.Amplifier[i] = r.valueError("amplifier")
	}
	for i := range rec.ATWDFreq {
		rec.ATWDFreq[i] = r.quadratic("atwd_freq")
	}

	rec.Baseline = r.baseline("baseline", false)

	if r.flag("transit_valid") {
		rec.TransitPoints = r.i16("transit_points")
		fit := r.linear("transit")
		rec.Transit = &fit
	}

	numHistos := r.count("num_histos")
	if r.flag("hv_baselines_valid") && r.err == nil {
		if !r.need(numHistos*sizeHVBaseline, "hv_baselines") {
			return nil, r.err
		}
		rec.HVBaselines = make([]Baseline, numHistos)
		for i := range rec.HVBaselines {
			rec.HVBaselines[i] = r.baseline("hv_baseline", true)
		}
	}

	hvGainValid := r.flag("hv_gain_valid")

	if r.err == nil {
		if !r.need(numHistos*sizeHistoMin, "histograms") {
			return nil, r.err
		}
		rec.Histograms = make([]Histogram, 0, numHistos)
		for i := 0; i < numHistos && r.err == nil; i++ {
			rec.Histograms = append(rec.Histograms, r.histogram(layout))
		}
	}

	if hvGainValid {
		fit := r.linear("hv_gain")
		rec.HVGain = &fit
	}

	if r.err != nil {
		return nil, r.err
	}
	return rec, nil
}

// detectByteOrder reads the major version big-endian. Versions are always
// below 256, so a value of 256 or more means the high byte came first on a
// little-endian writer; the rest of the buffer is then little-endian and the
// version is the value shifted down by one byte.
func detectByteOrder(buf []byte) (binary.ByteOrder, uint16, error) {
	if len(buf) < 2 {
		return nil, 0, &DecodeError{Err: ErrTruncated, Field: "version.major", Offset: 0, Need: 2}
	}
	v := binary.BigEndian.Uint16(buf)
	if v >= 256 {
		return binary.LittleEndian, v >> 8, nil
	}
	return binary.BigEndian, v, nil
}

// reader walks the buffer. The first failure is sticky: later reads return
// zero values and the error is reported once at the end.
type reader struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	err   error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = &DecodeError{Err: ErrTruncated, Field: field, Offset: r.off, Need: n}
		return false
	}
	return true
}

func (r *reader) u16(field string) uint16 {
	if !r.need(2, field) {
		return 0
	}
	v := r.order.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) i16(field string) int16 { return int16(r.u16(field)) }

func (r *reader) u32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := r.order.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) f32(field string) float32 { return math.Float32frombits(r.u32(field)) }

// flag reads a 16-bit validity flag; any nonzero value means present.
func (r *reader) flag(field string) bool { return r.u16(field) != 0 }

// count reads a 16-bit signed count and rejects negative values.
func (r *reader) count(field string) int {
	off := r.off
	n := r.i16(field)
	if n < 0 && r.err == nil {
		r.err = &DecodeError{Err: ErrMalformedField, Field: fmt.Sprintf("%s=%d", field, n), Offset: off}
		return 0
	}
	return int(n)
}

func (r *reader) linear(field string) LinearFit {
	return LinearFit{
		Slope:     r.f32(field),
		Intercept: r.f32(field),
		RSquared:  r.f32(field),
	}
}

func (r *reader) quadratic(field string) QuadraticFit {
	return QuadraticFit{
		C0:       r.f32(field),
		C1:       r.f32(field),
		C2:       r.f32(field),
		RSquared: r.f32(field),
	}
}

func (r *reader) valueError(field string) ValueError {
	return ValueError{Value: r.f32(field), Error: r.f32(field)}
}

// baseline reads a 2x3 block; HV baselines carry a leading voltage, the
// default baseline does not.
func (r *reader) baseline(field string, withVoltage bool) Baseline {
	var b Baseline
	if withVoltage {
		b.Voltage = r.i16(field)
	}
	for atwd := 0; atwd < NumATWD; atwd++ {
		for ch := 0; ch < NumChannels; ch++ {
			b.Values[atwd][ch] = r.f32(field)
		}
	}
	return b
}

func (r *reader) histogram(layout HistogramLayout) Histogram {
	var h Histogram
	h.Voltage = r.i16("histo.voltage")
	h.Convergent = r.flag("histo.convergent")
	h.Fit = SPEFit{
		ExpAmplitude:   r.f32("histo.fit"),
		ExpWidth:       r.f32("histo.fit"),
		GaussAmplitude: r.f32("histo.fit"),
		GaussMean:      r.f32("histo.fit"),
		GaussWidth:     r.f32("histo.fit"),
	}
	bins := r.count("histo.bins")
	if r.err != nil || !r.need(bins*sizeBin, "histo.bins") {
		return h
	}
	h.Charge = make([]float32, bins)
	h.Count = make([]float32, bins)
	for i := 0; i < bins; i++ {
		h.Charge[i] = r.f32("histo.charge")
		h.Count[i] = r.f32("histo.count")
	}
	h.PeakToValley = r.f32("histo.pv")
	if layout == LayoutExtended {
		h.NoiseRate = r.f32("histo.noise_rate")
		h.Filled = r.flag("histo.is_filled")
	}
	return h
}
