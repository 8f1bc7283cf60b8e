// Package forecast supplies the per-minute solar and load vectors the
// planner simulates against. The planner only sees the Provider interfaces;
// the shipped implementations are a clear-sky solar model and a flat load
// profile, both meant as fallbacks when no external forecast source is
// wired.
package forecast

import (
	"context"
	"time"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// SolarProvider emits the central and pessimistic (10% quantile) PV vectors
// aligned to the grid, kWh per slot.
type SolarProvider interface {
	PVForecast(ctx context.Context, grid timeseries.Grid, now time.Time) (central, p10 timeseries.Series, err error)
}

// LoadProvider emits the expected house load vector aligned to the grid,
// kWh per slot.
type LoadProvider interface {
	LoadForecast(ctx context.Context, grid timeseries.Grid, now time.Time) (timeseries.Series, error)
}

// midnightOf returns the local midnight the grid is anchored to.
func midnightOf(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
