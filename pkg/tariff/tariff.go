// Package tariff supplies the import and export rate vectors. The planner
// only sees the Provider interface; the shipped implementations are an
// agile half-hourly HTTP feed and a fixed two-rate fallback.
package tariff

import (
	"context"
	"time"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// Provider emits per-slot import and export rates (currency/kWh) aligned to
// the grid, plus the daily standing charge.
type Provider interface {
	Rates(ctx context.Context, grid timeseries.Grid, now time.Time) (imp, exp timeseries.Series, standing float64, err error)
}

// midnightOf returns the local midnight the grid is anchored to.
func midnightOf(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
