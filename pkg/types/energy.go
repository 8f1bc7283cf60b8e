package types

import "time"

// CurrentEnergyDayVersion is the stored energy summary document version.
const CurrentEnergyDayVersion = 1

// EnergyDay aggregates one day of actual energy flows and cost, written as
// the day rolls over and used for savings reporting.
type EnergyDay struct {
	Date time.Time `json:"date"`

	ImportKWH       float64 `json:"importKWH"`
	ExportKWH       float64 `json:"exportKWH"`
	LoadKWH         float64 `json:"loadKWH"`
	PVKWH           float64 `json:"pvKWH"`
	IBoostKWH       float64 `json:"iboostKWH"`
	BatteryCycleKWH float64 `json:"batteryCycleKWH"`

	Cost    float64 `json:"cost"`
	CarbonG float64 `json:"carbonG"`
}
