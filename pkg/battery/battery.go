// Package battery models the physical battery and inverter charge paths:
// SOC-dependent power curves, temperature caps and the low-power charge-rate
// search used when a window is longer than the charge needs.
package battery

import (
	"math"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// rateSweepStepKW is the granularity of the low-power rate sweep (100 W).
const rateSweepStepKW = 0.1

// Curves holds the SOC power curves and the temperature caps.
// Power curves are a fraction of the maximum rate at each integer SOC
// percent. Temperature curves give a kWh-per-minute cap at each integer
// degree from -20 to +19; zero cells are treated as missing and fall back to
// the nearest non-zero neighbour.
type Curves struct {
	ChargePower    [100]float64
	DischargePower [100]float64
	TempCharge     [40]float64
	TempDischarge  [40]float64
}

// FlatCurves returns curves that never derate: full power at every SOC and no
// temperature cap.
func FlatCurves() Curves {
	var c Curves
	for i := range c.ChargePower {
		c.ChargePower[i] = 1.0
		c.DischargePower[i] = 1.0
	}
	return c
}

// Model describes one battery and its inverter-side limits.
// Rates are kW, capacities kWh, losses in (0, 1].
type Model struct {
	SOCMax     float64
	ReserveMin float64

	RateMaxChargeKW    float64
	RateMaxDischargeKW float64
	// RateMinKW is the lowest rate the inverter will actually run at.
	RateMinKW float64

	// Loss is the charge-side efficiency: 1 kWh drawn stores Loss kWh.
	Loss float64
	// LossDischarge is the discharge-side efficiency: delivering 1 kWh
	// removes 1/LossDischarge kWh of SOC.
	LossDischarge float64

	Curves Curves
}

// socPercent returns the integer SOC percent clamped to the curve range.
func (m *Model) socPercent(socKWH float64) int {
	if m.SOCMax <= 0 {
		return 0
	}
	pct := int(socKWH / m.SOCMax * 100)
	if pct < 0 {
		pct = 0
	} else if pct > 99 {
		pct = 99
	}
	return pct
}

// ChargeRate returns the effective charge rate in kWh per minute at the given
// SOC and temperature, for a requested rate setting in kW.
func (m *Model) ChargeRate(socKWH, settingKW, tempC float64) float64 {
	rate := settingKW
	if cap := m.RateMaxChargeKW * m.Curves.ChargePower[m.socPercent(socKWH)]; rate > cap {
		rate = cap
	}
	perMin := rate / 60.0
	if cap := TemperatureCap(tempC, &m.Curves.TempCharge); perMin > cap {
		perMin = cap
	}
	if min := m.RateMinKW / 60.0; perMin < min {
		perMin = min
	}
	return perMin
}

// DischargeRate returns the effective discharge rate in kWh per minute at the
// given SOC and temperature, for a requested rate setting in kW.
func (m *Model) DischargeRate(socKWH, settingKW, tempC float64) float64 {
	rate := settingKW
	if cap := m.RateMaxDischargeKW * m.Curves.DischargePower[m.socPercent(socKWH)]; rate > cap {
		rate = cap
	}
	perMin := rate / 60.0
	if cap := TemperatureCap(tempC, &m.Curves.TempDischarge); perMin > cap {
		perMin = cap
	}
	if min := m.RateMinKW / 60.0; perMin < min {
		perMin = min
	}
	return perMin
}

// TemperatureCap returns the kWh-per-minute cap for the given temperature.
// The temperature is clamped to the curve range. A zero cell is missing data:
// the nearest non-zero cell wins, the lower index on a tie. A fully-zero
// curve means no cap.
func TemperatureCap(tempC float64, curve *[40]float64) float64 {
	idx := int(math.Floor(tempC))
	if idx < -20 {
		idx = -20
	} else if idx > 19 {
		idx = 19
	}
	idx += 20

	if curve[idx] > 0 {
		return curve[idx]
	}
	for d := 1; d < len(curve); d++ {
		if lo := idx - d; lo >= 0 && curve[lo] > 0 {
			return curve[lo]
		}
		if hi := idx + d; hi < len(curve) && curve[hi] > 0 {
			return curve[hi]
		}
	}
	return math.MaxFloat64
}

// FindChargeRate picks the lowest charge rate (kW) that still fills the
// battery from socKWH to targetKWH within windowMinutes, leaving
// marginMinutes spare. It returns the maximum rate when the window cannot
// reach the target at all, or the target is already met. currentRateKW is
// the rate the inverter is running now; when it still makes the deadline it
// is kept to avoid chatter.
func (m *Model) FindChargeRate(windowMinutes int, socKWH, targetKWH, tempC, currentRateKW float64) float64 {
	maxRate := m.RateMaxChargeKW
	if socKWH >= targetKWH || windowMinutes <= 0 {
		return maxRate
	}
	deadline := windowMinutes - chargeRateMargin
	if deadline <= 0 {
		return maxRate
	}

	if !m.chargeReaches(maxRate, deadline, socKWH, targetKWH, tempC) {
		// even flat out the window is too short, run at full rate
		return maxRate
	}

	if currentRateKW > 0 && currentRateKW < maxRate &&
		m.chargeReaches(currentRateKW, deadline, socKWH, targetKWH, tempC) {
		return currentRateKW
	}

	best := maxRate
	bestPeak := math.MaxFloat64
	for rate := maxRate; rate > 0; rate -= rateSweepStepKW {
		peak, ok := m.chargePeak(rate, deadline, socKWH, targetKWH, tempC)
		if !ok {
			break
		}
		if peak < bestPeak {
			bestPeak = peak
			best = rate
		}
	}
	return best
}

// chargeRateMargin is how many minutes before the window end the target
// should be reached.
const chargeRateMargin = 10

// chargeReaches reports whether charging at rateKW reaches the target within
// the deadline.
func (m *Model) chargeReaches(rateKW float64, deadlineMinutes int, socKWH, targetKWH, tempC float64) bool {
	_, ok := m.chargePeak(rateKW, deadlineMinutes, socKWH, targetKWH, tempC)
	return ok
}

// chargePeak simulates charging at rateKW in Step-minute slices and returns
// the peak applied rate (kWh/min) and whether the target was reached by the
// deadline.
func (m *Model) chargePeak(rateKW float64, deadlineMinutes int, socKWH, targetKWH, tempC float64) (float64, bool) {
	soc := socKWH
	var peak float64
	for minute := 0; minute < deadlineMinutes; minute += timeseries.Step {
		applied := m.ChargeRate(soc, rateKW, tempC)
		if applied > peak {
			peak = applied
		}
		soc += applied * timeseries.Step * m.Loss
		if soc >= targetKWH {
			return peak, true
		}
	}
	return peak, false
}
