package simulate

import (
	"fmt"
	"math"

	"github.com/helioplan/helioplan/pkg/battery"
	"github.com/helioplan/helioplan/pkg/timeseries"
)

// Scenario selects which PV vector a run simulates against.
type Scenario int

const (
	// ScenarioCentral uses the central PV forecast.
	ScenarioCentral Scenario = iota
	// ScenarioP10 uses the pessimistic 10% PV forecast.
	ScenarioP10
)

// Car is the state of one EV whose charging the plan must carry as load.
type Car struct {
	SOCKWH   float64
	LimitKWH float64
	SizeKWH  float64
	// PlannedCharge is the kWh the car charger intends to pull in each slot.
	PlannedCharge timeseries.Series
}

// IBoost configures the hot-water solar diverter.
type IBoost struct {
	Enable bool
	// Solar diverts surplus solar that would otherwise export.
	Solar bool
	// OnExport also diverts while a forced-export window runs.
	OnExport bool

	MaxPowerKW   float64
	MaxEnergyKWH float64 // per-day cap
	TodayKWH     float64
	// ValuePerKWH is the heating value credited per diverted kWh.
	ValuePerKWH float64
}

// Toggles are the inverter behaviour switches the operator controls.
type Toggles struct {
	SetChargeWindow bool
	SetExportWindow bool

	SetChargeFreeze     bool
	SetExportFreeze     bool
	SetExportFreezeOnly bool

	SetReserveEnable         bool
	SetDischargeDuringCharge bool
	SetChargeLowPower        bool

	InverterCanChargeDuringExport bool
}

// Inputs is the immutable bundle one plan simulates against. It is built
// once, validated once, and shared read-only by every worker.
type Inputs struct {
	Tables  *timeseries.Tables
	Battery *battery.Model

	SOCNow  float64
	TempNow float64

	InverterLimitKW float64
	ExportLimitKW   float64
	// InverterLoss is the AC conversion efficiency in (0, 1].
	InverterLoss float64
	// InverterHybrid marks a DC-coupled solar path: solar-to-battery skips
	// the AC conversion.
	InverterHybrid bool

	ImportTodayKWH float64
	ExportTodayKWH float64
	LoadTodayKWH   float64
	PVTodayKWH     float64

	// BestSOCKeep is the soft SOC floor whose violation accrues the keep
	// penalty. BestSOCKeepWeight is the full penalty scale after the
	// four-hour ramp.
	BestSOCKeep       float64
	BestSOCKeepWeight float64

	CarbonEnable bool

	Cars    []Car
	IBoost  IBoost
	Toggles Toggles
}

// Validate checks the bundle for the BadInput conditions that fail a plan.
func (in *Inputs) Validate() error {
	if in.Tables == nil || in.Battery == nil {
		return fmt.Errorf("inputs missing tables or battery model")
	}
	if err := in.Tables.Validate(); err != nil {
		return err
	}
	m := in.Battery
	if m.SOCMax <= 0 {
		return fmt.Errorf("battery capacity (%v kWh) must be positive", m.SOCMax)
	}
	if m.ReserveMin < 0 || m.ReserveMin > m.SOCMax {
		return fmt.Errorf("reserve (%v kWh) outside [0, %v]", m.ReserveMin, m.SOCMax)
	}
	if m.Loss <= 0 || m.Loss > 1 || m.LossDischarge <= 0 || m.LossDischarge > 1 {
		return fmt.Errorf("battery losses must be in (0, 1]")
	}
	if in.InverterLoss <= 0 || in.InverterLoss > 1 {
		return fmt.Errorf("inverter loss (%v) must be in (0, 1]", in.InverterLoss)
	}
	if math.IsNaN(in.SOCNow) || in.SOCNow < 0 || in.SOCNow > m.SOCMax {
		return fmt.Errorf("soc now (%v kWh) outside [0, %v]", in.SOCNow, m.SOCMax)
	}
	if in.InverterLimitKW < 0 || in.ExportLimitKW < 0 {
		return fmt.Errorf("inverter and export limits must not be negative")
	}
	for i, c := range in.Cars {
		if c.SizeKWH <= 0 {
			return fmt.Errorf("car %d has no battery size", i)
		}
		if len(c.PlannedCharge) > 0 && len(c.PlannedCharge) != in.Tables.Grid.Steps() {
			return fmt.Errorf("car %d planned charge has %d slots, grid has %d", i, len(c.PlannedCharge), in.Tables.Grid.Steps())
		}
	}
	return nil
}

// RoundSOC rounds a stored SOC to 6 decimals. Every SOC the simulator keeps
// goes through this so repeated runs are bit-identical.
func RoundSOC(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// RoundMetric rounds a displayed metric to 2 decimals.
func RoundMetric(v float64) float64 {
	return math.Round(v*100) / 100
}
