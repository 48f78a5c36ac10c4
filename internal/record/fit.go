package record

import "fmt"

// LinearFit is y = Slope*x + Intercept with its regression coefficient.
type LinearFit struct {
	Slope     float32
	Intercept float32
	RSquared  float32
}

// QuadraticFit is y = C0 + C1*x + C2*x^2 with its regression coefficient.
type QuadraticFit struct {
	C0, C1, C2 float32
	RSquared   float32
}

// ValueError is a measured value and its uncertainty.
type ValueError struct {
	Value float32
	Error float32
}

// SPEFit holds the single-photoelectron charge fit parameters in wire order.
type SPEFit struct {
	ExpAmplitude   float32
	ExpWidth       float32
	GaussAmplitude float32
	GaussMean      float32
	GaussWidth     float32
}

// Histogram is one high-voltage charge histogram. Charge and Count always
// have the same length, which may be zero.
type Histogram struct {
	Voltage      int16
	Convergent   bool
	Fit          SPEFit
	Charge       []float32
	Count        []float32
	PeakToValley float32

	// NoiseRate and Filled are only present on the wire in LayoutExtended.
	NoiseRate float32
	Filled    bool
}

// Bins returns the number of (charge, count) pairs.
func (h Histogram) Bins() int { return len(h.Charge) }

// Baseline is a per-ATWD, per-channel baseline, optionally tagged with the
// PMT voltage it was taken at. The default baseline has Voltage 0.
type Baseline struct {
	Voltage int16
	Values  [NumATWD][NumChannels]float32
}

// Value returns the baseline for one ATWD channel.
func (b Baseline) Value(atwd, ch int) (float32, error) {
	if atwd < 0 || atwd >= NumATWD || ch < 0 || ch >= NumChannels {
		return 0, fmt.Errorf("baseline index [%d][%d] out of range", atwd, ch)
	}
	return b.Values[atwd][ch], nil
}
