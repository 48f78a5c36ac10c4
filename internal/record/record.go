// Package record decodes and encodes the binary DOM calibration record.
//
// Wire layout (every integer 16-bit unless noted, floats IEEE-754 32-bit,
// byte order detected from the first field):
//
//	major minor patch length
//	day month year hour minute second
//	id0(u32) id1(u32) temperature
//	dac[16] adc[24]
//	fadc_baseline(linear) fadc_gain(value,error) fadc_delta_t(value,error)
//	spe_disc(linear) mpe_disc(linear)
//	atwd[2][3][128](linear)
//	amplifier[3](value,error)
//	atwd_freq[2](quadratic)
//	baseline[2][3]
//	transit_valid [transit_points transit(linear)]
//	num_histos hv_baselines_valid [num_histos x (voltage baseline[2][3])]
//	hv_gain_valid
//	num_histos x histogram
//	[hv_gain(linear)]
//
// A histogram in LayoutRecord is
//
//	voltage convergent fit[5] bins bins x (charge count) pv
//
// and LayoutExtended appends noise_rate(float) is_filled.
package record

import (
	"fmt"
	"time"
)

// Fixed array dimensions of the record.
const (
	NumATWD       = 2
	NumChannels   = 3
	NumBins       = 128
	NumAmplifiers = 3
	NumDAC        = 16
	NumADC        = 24
)

// Version is the schema version written by the firmware.
type Version struct {
	Major, Minor, Patch uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Timestamp is the capture date as entered at the device prompts.
type Timestamp struct {
	Day, Month, Year     int16
	Hour, Minute, Second int16
}

// Time converts the timestamp to UTC. Out-of-range fields are normalised by
// time.Date; the codec itself never validates them.
func (t Timestamp) Time() time.Time {
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day),
		int(t.Hour), int(t.Minute), int(t.Second), 0, time.UTC)
}

// Record is a decoded calibration record. Optional sections are nil when the
// flag preceding them in the stream was zero.
type Record struct {
	Version Version
	// Length is carried as written; decoding does not depend on it.
	Length uint16
	Timestamp

	// IDWords are the two raw board-id words; DOMID is their hex rendering.
	IDWords     [2]uint32
	DOMID       string
	Temperature float32

	DAC [NumDAC]int16
	ADC [NumADC]int16

	FADCBaseline LinearFit
	FADCGain     ValueError
	FADCDeltaT   ValueError

	SPEDisc LinearFit
	MPEDisc LinearFit

	ATWD      [NumATWD][NumChannels][NumBins]LinearFit
	Amplifier [NumAmplifiers]ValueError
	ATWDFreq  [NumATWD]QuadraticFit
	Baseline  Baseline

	// TransitPoints is meaningful only when Transit is set.
	TransitPoints int16
	Transit       *LinearFit

	// HVBaselines is nil unless the HV-baselines flag was set, in which case
	// it has one entry per histogram.
	HVBaselines []Baseline
	Histograms  []Histogram
	HVGain      *LinearFit
}

// FormatDOMID renders the board id words, zero-padded to 4 and 8 hex digits.
// Wider values are printed in full, never truncated.
func FormatDOMID(w0, w1 uint32) string {
	return fmt.Sprintf("%04x%08x", w0, w1)
}

// ATWDFit returns the gain fit for one ATWD bin.
func (r *Record) ATWDFit(atwd, ch, bin int) (LinearFit, error) {
	if atwd < 0 || atwd >= NumATWD || ch < 0 || ch >= NumChannels || bin < 0 || bin >= NumBins {
		return LinearFit{}, fmt.Errorf("atwd index [%d][%d][%d] out of range", atwd, ch, bin)
	}
	return r.ATWD[atwd][ch][bin], nil
}

// Histogram returns the i-th HV histogram.
func (r *Record) Histogram(i int) (Histogram, error) {
	if i < 0 || i >= len(r.Histograms) {
		return Histogram{}, fmt.Errorf("histogram %d out of range (have %d)", i, len(r.Histograms))
	}
	return r.Histograms[i], nil
}

// HVBaseline returns the baseline taken with the i-th histogram's voltage.
func (r *Record) HVBaseline(i int) (Baseline, error) {
	if r.HVBaselines == nil {
		return Baseline{}, fmt.Errorf("record has no HV baselines")
	}
	if i < 0 || i >= len(r.HVBaselines) {
		return Baseline{}, fmt.Errorf("hv baseline %d out of range (have %d)", i, len(r.HVBaselines))
	}
	return r.HVBaselines[i], nil
}

// CaptureTime is shorthand for r.Timestamp.Time().
func (r *Record) CaptureTime() time.Time { return r.Timestamp.Time() }
