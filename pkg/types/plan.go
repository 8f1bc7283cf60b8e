package types

import (
	"time"

	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/simulate"
)

// CurrentPlanVersion is the stored plan document version.
const CurrentPlanVersion = 1

// Plan is the value object one planning cycle produces: the accepted
// schedule plus the simulator trace it was accepted on. It is what gets
// persisted, published and served.
type Plan struct {
	CreatedAt time.Time         `json:"createdAt"`
	Schedule  schedule.Schedule `json:"schedule"`

	// Result is the central-scenario trace of the accepted schedule.
	Result *simulate.Result `json:"result"`
	// ResultP10 is the pessimistic-scenario trace when the blend ran.
	ResultP10 *simulate.Result `json:"resultP10,omitempty"`

	// Score is the composite metric the schedule was accepted on.
	Score float64 `json:"score"`

	Duration time.Duration `json:"duration"`
	// SkippedPasses lists optimiser passes dropped to a deadline.
	SkippedPasses []string `json:"skippedPasses,omitempty"`

	SOCMinBelowReserve bool `json:"socMinBelowReserve"`
}

// Status is the planner's externally visible state.
type Status struct {
	State            string        `json:"state"`
	Progress         int           `json:"progress"`
	LastPlanAt       time.Time     `json:"lastPlanAt"`
	LastPlanDuration time.Duration `json:"lastPlanDuration"`
	LastError        string        `json:"lastError,omitempty"`
}

// Planner states.
const (
	StateIdle     = "idle"
	StatePlanning = "planning"
	StateApplying = "applying"
	StateFailed   = "failed"
	StatePaused   = "paused"
)

// WindowDirective is one window the inverter should program. Limit is the
// charge target in kWh for charge windows, or the export floor in SOC
// percent for export windows.
type WindowDirective struct {
	Window schedule.Window `json:"window"`
	Limit  float64         `json:"limit"`
}

// ScheduleDelta is what the core hands the inverter controller: only the
// windows that changed since the last applied plan. The controller owns
// register-level compatibility.
type ScheduleDelta struct {
	ChargeSet     []WindowDirective `json:"chargeSet,omitempty"`
	ChargeCleared []schedule.Window `json:"chargeCleared,omitempty"`
	ExportSet     []WindowDirective `json:"exportSet,omitempty"`
	ExportCleared []schedule.Window `json:"exportCleared,omitempty"`

	ChargeEnable bool `json:"chargeEnable"`
	ExportEnable bool `json:"exportEnable"`
}

// Empty reports whether the delta changes nothing.
func (d ScheduleDelta) Empty() bool {
	return len(d.ChargeSet) == 0 && len(d.ChargeCleared) == 0 &&
		len(d.ExportSet) == 0 && len(d.ExportCleared) == 0
}

// DiffSchedules computes the delta that moves the inverter from prev to
// next. Windows are matched by exact range; a changed limit re-sets the
// window.
func DiffSchedules(prev, next schedule.Schedule) ScheduleDelta {
	var d ScheduleDelta
	d.ChargeSet, d.ChargeCleared = diffWindowList(prev.ChargeWindows, prev.ChargeLimits, next.ChargeWindows, next.ChargeLimits)
	d.ExportSet, d.ExportCleared = diffWindowList(prev.ExportWindows, prev.ExportLimits, next.ExportWindows, next.ExportLimits)
	d.ChargeEnable = len(next.ChargeWindows) > 0
	for _, l := range next.ExportLimits {
		if l < schedule.ExportDisabled {
			d.ExportEnable = true
			break
		}
	}
	return d
}

func diffWindowList(prevW []schedule.Window, prevL []float64, nextW []schedule.Window, nextL []float64) ([]WindowDirective, []schedule.Window) {
	prevLimit := make(map[schedule.Window]float64, len(prevW))
	for i, w := range prevW {
		prevLimit[w] = prevL[i]
	}
	nextSeen := make(map[schedule.Window]bool, len(nextW))

	var set []WindowDirective
	for i, w := range nextW {
		nextSeen[w] = true
		if l, ok := prevLimit[w]; ok && l == nextL[i] {
			continue
		}
		set = append(set, WindowDirective{Window: w, Limit: nextL[i]})
	}
	var cleared []schedule.Window
	for _, w := range prevW {
		if !nextSeen[w] {
			cleared = append(cleared, w)
		}
	}
	return set, cleared
}
