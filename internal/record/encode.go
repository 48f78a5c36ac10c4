package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode writes rec in LayoutRecord using the given byte order.
func Encode(rec *Record, order binary.ByteOrder) ([]byte, error) {
	return EncodeLayout(rec, order, LayoutRecord)
}

// EncodeLayout writes rec with the given histogram layout. It is the inverse
// of DecodeLayout for any record whose Major version is between 1 and 255
// (see detectByteOrder).
func EncodeLayout(rec *Record, order binary.ByteOrder, layout HistogramLayout) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("record: nil record")
	}
	if len(rec.Histograms) > math.MaxInt16 {
		return nil, fmt.Errorf("record: %d histograms exceed the 16-bit count", len(rec.Histograms))
	}
	if rec.HVBaselines != nil && len(rec.HVBaselines) != len(rec.Histograms) {
		return nil, fmt.Errorf("record: %d hv baselines for %d histograms", len(rec.HVBaselines), len(rec.Histograms))
	}
	for i, h := range rec.Histograms {
		if len(h.Charge) != len(h.Count) {
			return nil, fmt.Errorf("record: histogram %d has %d charges and %d counts", i, len(h.Charge), len(h.Count))
		}
		if len(h.Charge) > math.MaxInt16 {
			return nil, fmt.Errorf("record: histogram %d has %d bins", i, len(h.Charge))
		}
	}

	w := &writer{order: order, buf: make([]byte, 0, 10240)}
	w.u16(rec.Version.Major)
	w.u16(rec.Version.Minor)
	w.u16(rec.Version.Patch)
	w.u16(rec.Length)

	w.i16(rec.Day)
	w.i16(rec.Month)
	w.i16(rec.Year)
	w.i16(rec.Hour)
	w.i16(rec.Minute)
	w.i16(rec.Second)

	w.u32(rec.IDWords[0])
	w.u32(rec.IDWords[1])
	w.f32(rec.Temperature)

	for _, v := range rec.DAC {
		w.i16(v)
	}
	for _, v := range rec.ADC {
		w.i16(v)
	}

	w.linear(rec.FADCBaseline)
	w.valueError(rec.FADCGain)
	w.valueError(rec.FADCDeltaT)
	w.linear(rec.SPEDisc)
	w.linear(rec.MPEDisc)

	for atwd := 0; atwd < NumATWD; atwd++ {
		for ch := 0; ch < NumChannels; ch++ {
			for bin := 0; bin < NumBins; bin++ {
				w.linear(rec.ATWD[atwd][ch][bin])
			}
		}
	}
	for _, a := range rec.Amplifier {
		w.valueError(a)
	}
	for _, q := range rec.ATWDFreq {
		w.quadratic(q)
	}

	w.baseline(rec.Baseline, false)

	w.flag(rec.Transit != nil)
	if rec.Transit != nil {
		w.i16(rec.TransitPoints)
		w.linear(*rec.Transit)
	}

	w.i16(int16(len(rec.Histograms)))
	w.flag(rec.HVBaselines != nil)
	for _, b := range rec.HVBaselines {
		w.baseline(b, true)
	}

	w.flag(rec.HVGain != nil)

	for _, h := range rec.Histograms {
		w.histogram(h, layout)
	}

	if rec.HVGain != nil {
		w.linear(*rec.HVGain)
	}
	return w.buf, nil
}

type writer struct {
	order   binary.ByteOrder
	buf     []byte
	scratch [4]byte
}

func (w *writer) u16(v uint16) {
	w.order.PutUint16(w.scratch[:2], v)
	w.buf = append(w.buf, w.scratch[:2]...)
}

func (w *writer) i16(v int16) { w.u16(uint16(v)) }

func (w *writer) u32(v uint32) {
	w.order.PutUint32(w.scratch[:], v)
	w.buf = append(w.buf, w.scratch[:]...)
}

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) flag(b bool) {
	if b {
		w.u16(1)
	} else {
		w.u16(0)
	}
}

func (w *writer) linear(f LinearFit) {
	w.f32(f.Slope)
	w.f32(f.Intercept)
	w.f32(f.RSquared)
}

func (w *writer) quadratic(q QuadraticFit) {
	w.f32(q.C0)
	w.f32(q.C1)
	w.f32(q.C2)
	w.f32(q.RSquared)
}

func (w *writer) valueError(v ValueError) {
	w.f32(v.Value)
	w.f32(v.Error)
}

func (w *writer) baseline(b Baseline, withVoltage bool) {
	if withVoltage {
		w.i16(b.Voltage)
	}
	for atwd := 0; atwd < NumATWD; atwd++ {
		for ch := 0; ch < NumChannels; ch++ {
			w.f32(b.Values[atwd][ch])
		}
	}
}

func (w *writer) histogram(h Histogram, layout HistogramLayout) {
	w.i16(h.Voltage)
	w.flag(h.Convergent)
	w.f32(h.Fit.ExpAmplitude)
	w.f32(h.Fit.ExpWidth)
	w.f32(h.Fit.GaussAmplitude)
	w.f32(h.Fit.GaussMean)
	w.f32(h.Fit.GaussWidth)
	w.i16(int16(len(h.Charge)))
	for i := range h.Charge {
		w.f32(h.Charge[i])
		w.f32(h.Count[i])
	}
	w.f32(h.PeakToValley)
	if layout == LayoutExtended {
		w.f32(h.NoiseRate)
		w.flag(h.Filled)
	}
}
