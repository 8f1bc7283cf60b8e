package forecast

import (
	"context"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// FlatLoad spreads a configured daily consumption evenly over the day, with
// an optional overnight reduction. It stands in until a history-driven load
// model is wired behind LoadProvider.
type FlatLoad struct {
	dailyKWH float64
	// nightFactor scales the 23:00-07:00 slots.
	nightFactor float64
}

// ConfiguredFlatLoad sets up the flat load profile from flags.
func ConfiguredFlatLoad() *FlatLoad {
	f := &FlatLoad{}
	daily := lflag.Float64("load-daily-kwh", 10, "Expected daily house load in kWh")
	night := lflag.Float64("load-night-factor", 0.6, "Relative overnight (23:00-07:00) load level")

	lflag.Do(func() {
		f.dailyKWH = *daily
		f.nightFactor = *night
	})
	return f
}

// NewFlatLoad builds the profile directly, used by tests.
func NewFlatLoad(dailyKWH, nightFactor float64) *FlatLoad {
	return &FlatLoad{dailyKWH: dailyKWH, nightFactor: nightFactor}
}

// LoadForecast implements LoadProvider.
func (f *FlatLoad) LoadForecast(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, error) {
	n := grid.Steps()
	out := make(timeseries.Series, n)

	slotsPerDay := timeseries.MinutesPerDay / timeseries.Step
	// weight each slot, then scale so a full day sums to dailyKWH
	var dayWeight float64
	weightAt := func(slot int) float64 {
		minute := (slot * timeseries.Step) % timeseries.MinutesPerDay
		if minute >= 23*60 || minute < 7*60 {
			return f.nightFactor
		}
		return 1.0
	}
	for i := 0; i < slotsPerDay; i++ {
		dayWeight += weightAt(i)
	}
	if dayWeight == 0 {
		return out, nil
	}
	for i := 0; i < n; i++ {
		out[i] = f.dailyKWH * weightAt(i) / dayWeight
	}
	return out, nil
}
