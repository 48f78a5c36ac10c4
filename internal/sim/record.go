package sim

import (
	"math"
	"math/rand"

	"github.com/shaunagostinho/domcal/internal/record"
)

// Synthetic builds a plausible calibration record for the board id
// (0xab, w1). Values are randomised around typical DOM numbers.
func Synthetic(rng *rand.Rand, w1 uint32) *record.Record {
	rec := &record.Record{
		Version:     record.Version{Major: 6, Minor: 1, Patch: 0},
		Timestamp:   record.Timestamp{Day: 1, Month: 1, Year: 2026, Hour: 12},
		IDWords:     [2]uint32{0xab, w1},
		Temperature: float32(round1(248 + rng.Float64()*6)),
	}
	rec.DOMID = record.FormatDOMID(rec.IDWords[0], rec.IDWords[1])

	for i := range rec.DAC {
		rec.DAC[i] = int16(rng.Intn(1024))
	}
	rec.DAC[0], rec.DAC[1] = 850, 2097 // atwd trigger bias, ramp top
	for i := range rec.ADC {
		rec.ADC[i] = int16(rng.Intn(4096))
	}

	rec.FADCBaseline = fit(rng, 1.05, 125, 0.999)
	rec.FADCGain = record.ValueError{Value: float32(9.0e-4 + rng.Float64()*1e-5), Error: 2e-6}
	rec.FADCDeltaT = record.ValueError{Value: float32(-114 - rng.Float64()*3), Error: 0.3}
	rec.SPEDisc = fit(rng, 0.0076, -4.2, 0.98)
	rec.MPEDisc = fit(rng, 0.078, -40.6, 0.97)

	for atwd := 0; atwd < record.NumATWD; atwd++ {
		for ch := 0; ch < record.NumChannels; ch++ {
			for bin := 0; bin < record.NumBins; bin++ {
				rec.ATWD[atwd][ch][bin] = fit(rng, -0.00195, 2.6+0.001*float64(bin), 0.9999)
			}
		}
	}
	rec.Amplifier = [record.NumAmplifiers]record.ValueError{
		{Value: float32(-15.8 + rng.Float64()*0.5), Error: 0.02},
		{Value: float32(-2.1 + rng.Float64()*0.05), Error: 0.003},
		{Value: float32(-0.24 + rng.Float64()*0.01), Error: 0.0007},
	}
	for i := range rec.ATWDFreq {
		rec.ATWDFreq[i] = record.QuadraticFit{
			C0:       float32(1.2 + rng.Float64()*0.1),
			C1:       float32(0.34 + rng.Float64()*0.01),
			C2:       float32(-1e-5 * rng.Float64()),
			RSquared: 0.998,
		}
	}
	for atwd := 0; atwd < record.NumATWD; atwd++ {
		for ch := 0; ch < record.NumChannels; ch++ {
			rec.Baseline.Values[atwd][ch] = float32(rng.NormFloat64() * 0.2)
		}
	}

	transit := fit(rng, 2150, 78, 0.95)
	rec.Transit = &transit
	rec.TransitPoints = 8

	for i, v := range []int16{1200, 1300, 1400, 1500} {
		var b record.Baseline
		b.Voltage = v
		for atwd := 0; atwd < record.NumATWD; atwd++ {
			for ch := 0; ch < record.NumChannels; ch++ {
				b.Values[atwd][ch] = float32(rng.NormFloat64() * 0.3)
			}
		}
		rec.HVBaselines = append(rec.HVBaselines, b)
		rec.Histograms = append(rec.Histograms, histogram(rng, v, 0.4+0.25*float64(i)))
	}
	gain := fit(rng, 7.3, -16.2, 0.9995)
	rec.HVGain = &gain
	return rec
}

func histogram(rng *rand.Rand, voltage int16, mean float64) record.Histogram {
	const bins = 64
	h := record.Histogram{
		Voltage:    voltage,
		Convergent: true,
		Fit: record.SPEFit{
			ExpAmplitude:   float32(400 + rng.Float64()*50),
			ExpWidth:       float32(0.12 + rng.Float64()*0.02),
			GaussAmplitude: float32(150 + rng.Float64()*20),
			GaussMean:      float32(mean),
			GaussWidth:     float32(mean * 0.35),
		},
		Charge: make([]float32, bins),
		Count:  make([]float32, bins),
	}
	width := mean * 0.35
	for i := 0; i < bins; i++ {
		q := float64(i) * 3 * mean / bins
		n := float64(h.Fit.ExpAmplitude)*math.Exp(-q/float64(h.Fit.ExpWidth)) +
			float64(h.Fit.GaussAmplitude)*math.Exp(-(q-mean)*(q-mean)/(2*width*width))
		h.Charge[i] = float32(q)
		h.Count[i] = float32(math.Round(n + rng.Float64()*3))
	}
	h.PeakToValley = float32(2.2 + rng.Float64()*0.8)
	return h
}

func fit(rng *rand.Rand, slope, intercept, r2 float64) record.LinearFit {
	return record.LinearFit{
		Slope:     float32(slope * (1 + rng.NormFloat64()*0.01)),
		Intercept: float32(intercept * (1 + rng.NormFloat64()*0.01)),
		RSquared:  float32(math.Min(1, r2+rng.Float64()*(1-r2))),
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
