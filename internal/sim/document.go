package sim

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/domcal/internal/record"
)

// Document renders rec the way the firmware prints its calibration XML.
// Every line ends in CRLF; the device hashes exactly these bytes.
func Document(rec *record.Record) string {
	var b strings.Builder
	p := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	p(`<domcal version="%s">`, rec.Version)
	p(`  <date>%d-%d-%d</date>`, rec.Day, rec.Month, rec.Year)
	p(`  <time>%02d:%02d:%02d</time>`, rec.Hour, rec.Minute, rec.Second)
	p(`  <domid>%s</domid>`, rec.DOMID)
	p(`  <temperature format="Kelvin">%.1f</temperature>`, rec.Temperature)
	for i, v := range rec.DAC {
		p(`  <dac channel="%d">%d</dac>`, i, v)
	}
	for i, v := range rec.ADC {
		p(`  <adc channel="%d">%d</adc>`, i, v)
	}
	discriminator(p, "spe", rec.SPEDisc)
	discriminator(p, "mpe", rec.MPEDisc)

	for atwd := 0; atwd < record.NumATWD; atwd++ {
		for ch := 0; ch < record.NumChannels; ch++ {
			for bin := 0; bin < record.NumBins; bin++ {
				p(`  <atwd id="%d" channel="%d" bin="%d">`, atwd, ch, bin)
				linear(p, rec.ATWD[atwd][ch][bin])
				p(`  </atwd>`)
			}
		}
	}

	p(`  <fadc_baseline>`)
	linear(p, rec.FADCBaseline)
	p(`  </fadc_baseline>`)
	p(`  <fadc_gain>`)
	p(`    <gain error="%g">%g</gain>`, rec.FADCGain.Error, rec.FADCGain.Value)
	p(`  </fadc_gain>`)
	p(`  <fadc_delta_t>`)
	p(`    <delta_t error="%g">%g</delta_t>`, rec.FADCDeltaT.Error, rec.FADCDeltaT.Value)
	p(`  </fadc_delta_t>`)

	for ch, a := range rec.Amplifier {
		p(`  <amplifier channel="%d">`, ch)
		p(`    <gain error="%g">%g</gain>`, a.Error, a.Value)
		p(`  </amplifier>`)
	}
	for atwd, q := range rec.ATWDFreq {
		p(`  <atwdfreq atwd="%d">`, atwd)
		p(`    <fit model="quadratic">`)
		p(`      <param name="c0">%g</param>`, q.C0)
		p(`      <param name="c1">%g</param>`, q.C1)
		p(`      <param name="c2">%g</param>`, q.C2)
		p(`      <regression-coeff>%g</regression-coeff>`, q.RSquared)
		p(`    </fit>`)
		p(`  </atwdfreq>`)
	}
	baseline(p, rec.Baseline)

	if rec.Transit != nil {
		p(`  <pmtTransitTime num_pts="%d">`, rec.TransitPoints)
		linear(p, *rec.Transit)
		p(`  </pmtTransitTime>`)
	}
	if rec.HVGain != nil {
		p(`  <hvGainCal>`)
		linear(p, *rec.HVGain)
		p(`  </hvGainCal>`)
	}
	for _, hv := range rec.HVBaselines {
		baseline(p, hv)
	}
	for _, h := range rec.Histograms {
		p(`  <histo voltage="%d" convergent="%t" pv="%g">`, h.Voltage, h.Convergent, h.PeakToValley)
		p(`    <param name="exponential amplitude">%g</param>`, h.Fit.ExpAmplitude)
		p(`    <param name="exponential width">%g</param>`, h.Fit.ExpWidth)
		p(`    <param name="gaussian amplitude">%g</param>`, h.Fit.GaussAmplitude)
		p(`    <param name="gaussian mean">%g</param>`, h.Fit.GaussMean)
		p(`    <param name="gaussian width">%g</param>`, h.Fit.GaussWidth)
		for i := range h.Charge {
			p(`    <bin num="%d" charge="%g" count="%g"/>`, i, h.Charge[i], h.Count[i])
		}
		p(`  </histo>`)
	}
	p(`</domcal>`)
	return b.String()
}

type printer func(format string, args ...any)

func linear(p printer, f record.LinearFit) {
	p(`    <fit model="linear">`)
	p(`      <param name="slope">%g</param>`, f.Slope)
	p(`      <param name="intercept">%g</param>`, f.Intercept)
	p(`      <regression-coeff>%g</regression-coeff>`, f.RSquared)
	p(`    </fit>`)
}

func discriminator(p printer, id string, f record.LinearFit) {
	p(`  <discriminator id="%s">`, id)
	linear(p, f)
	p(`  </discriminator>`)
}

func baseline(p printer, b record.Baseline) {
	p(`  <baseline voltage="%d">`, b.Voltage)
	for atwd := 0; atwd < record.NumATWD; atwd++ {
		for ch := 0; ch < record.NumChannels; ch++ {
			p(`    <base atwd="%d" channel="%d" value="%g"/>`, atwd, ch, b.Values[atwd][ch])
		}
	}
	p(`  </baseline>`)
}
