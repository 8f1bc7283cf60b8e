// Package timeseries holds the per-minute forecast vectors the planner
// simulates against. All vectors share one Grid: 5-minute slots starting at
// local midnight and running to the end of the forecast horizon.
package timeseries

import (
	"fmt"
	"math"
)

// Step is the slot width in minutes. Every vector is sampled once per Step.
const Step = 5

// MinutesPerDay is the number of minutes in a day.
const MinutesPerDay = 1440

// Grid describes the time axis shared by all vectors of one plan.
type Grid struct {
	// MinutesNow is the offset of "now" from local midnight, in minutes.
	MinutesNow int
	// ForecastMinutes is the planning horizon from now, in minutes.
	ForecastMinutes int
}

// Steps returns the number of slots covered by the grid, from midnight to the
// end of the horizon.
func (g Grid) Steps() int {
	return (g.MinutesNow + g.ForecastMinutes) / Step
}

// Index maps a minute offset from now (negative back to midnight) to a slot
// index. Callers must keep minute within [-MinutesNow, ForecastMinutes).
func (g Grid) Index(minute int) int {
	return (g.MinutesNow + minute) / Step
}

// Validate checks the grid is usable for planning.
func (g Grid) Validate() error {
	if g.MinutesNow < 0 || g.MinutesNow >= MinutesPerDay {
		return fmt.Errorf("minutes now (%d) outside a day", g.MinutesNow)
	}
	if g.MinutesNow%Step != 0 {
		return fmt.Errorf("minutes now (%d) not aligned to %d-minute steps", g.MinutesNow, Step)
	}
	if g.ForecastMinutes < MinutesPerDay {
		return fmt.Errorf("forecast horizon (%d minutes) shorter than a day", g.ForecastMinutes)
	}
	if g.ForecastMinutes%Step != 0 {
		return fmt.Errorf("forecast horizon (%d) not aligned to %d-minute steps", g.ForecastMinutes, Step)
	}
	return nil
}

// Series is one value per grid slot. Energy series hold kWh per slot, rate
// series hold currency per kWh, temperature series hold degrees C.
type Series []float64

// Fill returns a series of n slots all set to v.
func Fill(n int, v float64) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// Clone returns a copy of the series.
func (s Series) Clone() Series {
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// HasNaN reports whether any slot is NaN or infinite.
func (s Series) HasNaN() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Min returns the smallest slot value, or 0 for an empty series.
func (s Series) Min() float64 {
	if len(s) == 0 {
		return 0
	}
	min := s[0]
	for _, v := range s[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// SumSlots sums the slots in [from, to).
func (s Series) SumSlots(from, to int) float64 {
	var sum float64
	for i := from; i < to && i < len(s); i++ {
		if i < 0 {
			continue
		}
		sum += s[i]
	}
	return sum
}

// MeanSlots averages the slots in [from, to). Returns 0 for an empty range.
func (s Series) MeanSlots(from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(s) {
		to = len(s)
	}
	if to <= from {
		return 0
	}
	return s.SumSlots(from, to) / float64(to-from)
}

// Tables bundles the immutable per-minute vectors for one plan.
// Rate series are currency/kWh, PV and Load are kWh per slot, AlertKeep is a
// kWh floor override (0 = no alert).
type Tables struct {
	Grid Grid

	RateImport Series
	RateExport Series

	PVCentral Series
	PV10      Series
	Load      Series

	CarbonIntensity    Series
	BatteryTemperature Series
	AlertKeep          Series
}

// SlotEnergy sums an energy series over [minute, minute+step), with minute an
// offset from now. Used by the simulator when running at a coarser step.
func (t *Tables) SlotEnergy(s Series, minute, step int) float64 {
	return s.SumSlots(t.Grid.Index(minute), t.Grid.Index(minute+step))
}

// SlotMean averages a rate series over [minute, minute+step), with minute an
// offset from now.
func (t *Tables) SlotMean(s Series, minute, step int) float64 {
	return s.MeanSlots(t.Grid.Index(minute), t.Grid.Index(minute+step))
}

// Validate checks that every vector matches the grid and contains sane
// values. A failure here is a BadInput error for the whole plan.
func (t *Tables) Validate() error {
	if err := t.Grid.Validate(); err != nil {
		return err
	}
	n := t.Grid.Steps()
	required := []struct {
		name string
		s    Series
	}{
		{"rate_import", t.RateImport},
		{"rate_export", t.RateExport},
		{"pv_central", t.PVCentral},
		{"pv_10", t.PV10},
		{"load", t.Load},
	}
	for _, r := range required {
		if len(r.s) != n {
			return fmt.Errorf("%s has %d slots, grid has %d", r.name, len(r.s), n)
		}
		if r.s.HasNaN() {
			return fmt.Errorf("%s contains NaN", r.name)
		}
	}
	if t.RateImport.Min() < 0 {
		return fmt.Errorf("rate_import contains negative rates")
	}
	if t.RateExport.Min() < 0 {
		return fmt.Errorf("rate_export contains negative rates")
	}
	optional := []struct {
		name string
		s    Series
	}{
		{"carbon_intensity", t.CarbonIntensity},
		{"battery_temperature", t.BatteryTemperature},
		{"alert_keep", t.AlertKeep},
	}
	for _, o := range optional {
		if len(o.s) == 0 {
			continue
		}
		if len(o.s) != n {
			return fmt.Errorf("%s has %d slots, grid has %d", o.name, len(o.s), n)
		}
		if o.s.HasNaN() {
			return fmt.Errorf("%s contains NaN", o.name)
		}
	}
	return nil
}
