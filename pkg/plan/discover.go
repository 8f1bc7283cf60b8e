package plan

import (
	"sort"

	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/timeseries"
	"github.com/helioplan/helioplan/pkg/types"
)

// run is a contiguous stretch of slots that passed a rate threshold.
type run struct {
	startSlot int
	endSlot   int
	meanRate  float64
}

// DiscoverWindows builds the initial candidate schedule from the rate
// vectors: contiguous cheap-import runs become charge windows (limits start
// at reserve, i.e. inactive) and expensive-export runs become export windows
// (limits start disabled). The level sweeps decide what actually runs.
func DiscoverWindows(t *timeseries.Tables, set types.Settings, reserveMin float64) schedule.Schedule {
	g := t.Grid
	startSlot := g.Index(0)
	endSlot := g.Steps()

	meanImport := t.RateImport.MeanSlots(startSlot, endSlot)
	meanExport := t.RateExport.MeanSlots(startSlot, endSlot)
	lowCut := meanImport * set.RateLowThreshold
	highCut := meanExport * set.RateHighThreshold

	chargeRuns := findRuns(t.RateImport, startSlot, endSlot, func(v float64) bool {
		return v <= lowCut
	})
	exportRuns := findRuns(t.RateExport, startSlot, endSlot, func(v float64) bool {
		return v > 0 && v >= highCut
	})

	// why charge if you can't profit: drop an import run with no later
	// high-export run
	if set.RateLowMatchExport {
		kept := chargeRuns[:0]
		for _, cr := range chargeRuns {
			for _, er := range exportRuns {
				if er.startSlot >= cr.endSlot {
					kept = append(kept, cr)
					break
				}
			}
		}
		chargeRuns = kept
	}

	chargeRuns = capRuns(chargeRuns, set.MaxWindows, func(i, j run) bool {
		return i.meanRate < j.meanRate
	})
	exportRuns = capRuns(exportRuns, set.MaxWindows, func(i, j run) bool {
		return i.meanRate > j.meanRate
	})

	var s schedule.Schedule
	for _, r := range chargeRuns {
		s.ChargeWindows = append(s.ChargeWindows, schedule.Window{
			Start: r.startSlot * timeseries.Step,
			End:   r.endSlot * timeseries.Step,
		})
		s.ChargeLimits = append(s.ChargeLimits, reserveMin)
	}
	for _, r := range exportRuns {
		s.ExportWindows = append(s.ExportWindows, schedule.Window{
			Start: r.startSlot * timeseries.Step,
			End:   r.endSlot * timeseries.Step,
		})
		s.ExportLimits = append(s.ExportLimits, schedule.ExportDisabled)
	}
	s.Normalize()
	s.RemoveOverlap()
	return s
}

func findRuns(s timeseries.Series, startSlot, endSlot int, match func(float64) bool) []run {
	var runs []run
	inRun := false
	var cur run
	for i := startSlot; i < endSlot && i < len(s); i++ {
		if match(s[i]) {
			if !inRun {
				cur = run{startSlot: i}
				inRun = true
			}
			cur.meanRate += s[i]
			continue
		}
		if inRun {
			cur.endSlot = i
			cur.meanRate /= float64(cur.endSlot - cur.startSlot)
			runs = append(runs, cur)
			inRun = false
		}
	}
	if inRun {
		cur.endSlot = endSlot
		cur.meanRate /= float64(cur.endSlot - cur.startSlot)
		runs = append(runs, cur)
	}
	return runs
}

// capRuns keeps the best maxWindows runs by the given preference, then
// restores time order.
func capRuns(runs []run, maxWindows int, better func(i, j run) bool) []run {
	if maxWindows <= 0 || len(runs) <= maxWindows {
		return runs
	}
	sort.SliceStable(runs, func(i, j int) bool { return better(runs[i], runs[j]) })
	runs = runs[:maxWindows]
	sort.Slice(runs, func(i, j int) bool { return runs[i].startSlot < runs[j].startSlot })
	return runs
}

// rateTransitions lists the minutes (since midnight) inside the window where
// the rate value changes. The detailed pass splits windows there.
func rateTransitions(s timeseries.Series, w schedule.Window) []int {
	var cuts []int
	first := w.Start / timeseries.Step
	last := w.End / timeseries.Step
	for i := first + 1; i < last && i < len(s); i++ {
		if s[i] != s[i-1] {
			cuts = append(cuts, i*timeseries.Step)
		}
	}
	return cuts
}
