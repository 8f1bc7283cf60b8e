// Package inverter is the control surface between the planner and the
// hardware: reading live battery state and programming accepted schedule
// deltas into registers.
package inverter

import (
	"context"

	"github.com/helioplan/helioplan/pkg/types"
)

// State is the live snapshot the planner builds its input bundle from.
type State struct {
	SOCKWH        float64 `json:"socKWH"`
	SOCMaxKWH     float64 `json:"socMaxKWH"`
	ReserveMinKWH float64 `json:"reserveMinKWH"`

	BatteryTempC float64 `json:"batteryTempC"`

	RateMaxChargeKW    float64 `json:"rateMaxChargeKW"`
	RateMaxDischargeKW float64 `json:"rateMaxDischargeKW"`
	InverterLimitKW    float64 `json:"inverterLimitKW"`
	ExportLimitKW      float64 `json:"exportLimitKW"`
	HybridInverter     bool    `json:"hybridInverter"`

	// Cumulative today totals.
	ImportTodayKWH float64 `json:"importTodayKWH"`
	ExportTodayKWH float64 `json:"exportTodayKWH"`
	LoadTodayKWH   float64 `json:"loadTodayKWH"`
	PVTodayKWH     float64 `json:"pvTodayKWH"`
}

// Controller programs one inverter. Implementations own register-level
// compatibility; the core only ever hands over schedule deltas.
type Controller interface {
	// ReadState returns the current battery and meter snapshot.
	ReadState(ctx context.Context) (State, error)

	// Apply programs the changed windows and enable flags.
	Apply(ctx context.Context, delta types.ScheduleDelta) error
}
