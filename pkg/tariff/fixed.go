package tariff

import (
	"context"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// Fixed is a two-rate tariff: a cheap overnight band and a flat rate
// otherwise. It keeps the planner useful offline and is the tariff tests
// build scenarios with.
type Fixed struct {
	ImportRate     float64
	ExportRate     float64
	NightRate      float64
	NightStartMin  int // minutes since midnight
	NightEndMin    int
	StandingCharge float64
}

// ConfiguredFixed sets up the fixed tariff from flags.
func ConfiguredFixed() *Fixed {
	f := &Fixed{}
	imp := lflag.Float64("fixed-import-rate", 0.30, "Flat import rate (currency/kWh)")
	exp := lflag.Float64("fixed-export-rate", 0.15, "Flat export rate (currency/kWh)")
	night := lflag.Float64("fixed-night-rate", 0.07, "Overnight import rate (currency/kWh)")
	nightStart := lflag.Duration("fixed-night-start", 30*time.Minute, "Overnight band start, offset from midnight")
	nightEnd := lflag.Duration("fixed-night-end", 4*time.Hour+30*time.Minute, "Overnight band end, offset from midnight")
	standing := lflag.Float64("fixed-standing-charge", 0, "Daily standing charge")

	lflag.Do(func() {
		f.ImportRate = *imp
		f.ExportRate = *exp
		f.NightRate = *night
		f.NightStartMin = int(nightStart.Minutes())
		f.NightEndMin = int(nightEnd.Minutes())
		f.StandingCharge = *standing
	})
	return f
}

// Rates implements Provider.
func (f *Fixed) Rates(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, timeseries.Series, float64, error) {
	n := grid.Steps()
	imp := make(timeseries.Series, n)
	exp := make(timeseries.Series, n)
	for i := 0; i < n; i++ {
		minute := (i * timeseries.Step) % timeseries.MinutesPerDay
		rate := f.ImportRate
		if f.NightRate > 0 && minute >= f.NightStartMin && minute < f.NightEndMin {
			rate = f.NightRate
		}
		imp[i] = rate
		exp[i] = f.ExportRate
	}
	return imp, exp, f.StandingCharge, nil
}
