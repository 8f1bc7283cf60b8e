// Package plan turns an input bundle into an accepted schedule: window
// discovery, a coarse level sweep, a detailed fine-tune and a boundary
// nudge, each a hill-climb over simulator calls dispatched to the worker
// pool.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/pool"
	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/simulate"
	"github.com/helioplan/helioplan/pkg/timeseries"
	"github.com/helioplan/helioplan/pkg/types"
)

// coarseStepMinutes is the simulation step used by the level sweep; the
// detailed and boundary passes drop back to the grid step.
const coarseStepMinutes = 15

// exportLevels are the export-floor candidates the sweeps try, in SOC
// percent. 99 freezes, 100 disables.
var exportLevels = []float64{0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 99, 100}

// Optimizer searches schedules for one frozen input bundle.
type Optimizer struct {
	Pool     *pool.Pool
	Settings types.Settings
	Inputs   *simulate.Inputs

	// EndRecord limits the scoring horizon in minutes; 0 scores the full
	// forecast.
	EndRecord int

	// Progress counts evaluated candidates, for the status surface.
	Progress *atomic.Int64
}

// Outcome is what one optimisation produces.
type Outcome struct {
	Schedule  schedule.Schedule
	Score     float64
	Result    *simulate.Result
	ResultP10 *simulate.Result

	// SkippedPasses lists passes dropped because the deadline passed.
	SkippedPasses []string
	// SOCMinBelowReserve marks an infeasible horizon: the final run's minimum
	// SOC reached reserve.
	SOCMinBelowReserve bool

	// Err carries non-fatal degradation, wrapping ErrDeadlineExceeded when
	// passes were skipped. The schedule is still the best found and should
	// be used.
	Err error
}

func (o *Optimizer) endRecord() int {
	if o.EndRecord > 0 {
		return o.EndRecord
	}
	return o.Inputs.Tables.Grid.ForecastMinutes
}

// Optimize runs every pass and returns the best schedule found. It honours
// the context deadline between passes only: simulator jobs are short enough
// that mid-job cancellation is not worth the complexity.
func (o *Optimizer) Optimize(ctx context.Context) (*Outcome, error) {
	s := DiscoverWindows(o.Inputs.Tables, o.Settings, o.Inputs.Battery.ReserveMin)
	log.Ctx(ctx).DebugContext(ctx, "windows discovered",
		slog.Int("chargeWindows", len(s.ChargeWindows)),
		slog.Int("exportWindows", len(s.ExportWindows)),
	)

	cur, err := o.await(o.submit(s, coarseStepMinutes))
	if err != nil {
		return nil, err
	}

	passes := []struct {
		name string
		fn   func(context.Context, *schedule.Schedule, *score)
	}{
		{"levels", o.sweepLevels},
		{"detail", o.detailedPass},
		{"boundaries", o.boundaryPass},
	}

	var skipped []string
	for i, p := range passes {
		if ctx.Err() != nil {
			for _, rest := range passes[i:] {
				skipped = append(skipped, rest.name)
			}
			log.Ctx(ctx).WarnContext(ctx, "plan deadline hit, skipping passes",
				slog.Any("skipped", skipped))
			break
		}
		before := cur.value
		p.fn(ctx, &s, &cur)
		log.Ctx(ctx).DebugContext(ctx, "pass complete",
			slog.String("pass", p.name),
			slog.Float64("before", before),
			slog.Float64("after", cur.value),
		)
	}

	if o.Settings.CombineChargeSlots {
		s.CombineCharge()
	}
	if o.Settings.CombineDischargeSlots {
		s.CombineExport()
	}
	s.RemoveOverlap()
	s.ClampChargeLimits(o.Inputs.Battery.ReserveMin, o.Inputs.Battery.SOCMax)

	// final run at full resolution with the low-power charge rate the
	// inverter will actually use
	final, err := o.awaitFinal(s)
	if err != nil {
		return nil, err
	}

	var degraded error
	if len(skipped) > 0 {
		degraded = fmt.Errorf("%w: skipped passes %s", ErrDeadlineExceeded, strings.Join(skipped, ", "))
	}

	return &Outcome{
		Schedule:           s,
		Score:              final.value,
		Result:             final.result,
		ResultP10:          final.resultP10,
		SkippedPasses:      skipped,
		SOCMinBelowReserve: final.result.SOCMinBelowReserve,
		Err:                degraded,
	}, nil
}

// submit queues one candidate evaluation. The schedule is cloned so workers
// never see the optimiser's copy.
func (o *Optimizer) submit(s schedule.Schedule, step int) *pool.Handle {
	cand := s.Clone()
	in := o.Inputs
	set := o.Settings
	end := o.endRecord()
	limits := flattenLimits(cand)
	return o.Pool.Submit(func() any {
		central := simulate.Run(in, &cand, simulate.ScenarioCentral, end, step, false)
		var p10 *simulate.Result
		if set.PVMetric10Weight > 0 {
			p10 = simulate.Run(in, &cand, simulate.ScenarioP10, end, step, false)
		}
		sc := composite(central, p10, set, limits)
		return &sc
	})
}

func (o *Optimizer) await(h *pool.Handle) (score, error) {
	if o.Progress != nil {
		o.Progress.Add(1)
	}
	res, err := h.Wait()
	if err != nil {
		return infiniteScore(), fmt.Errorf("%w: %v", ErrWorkerFailed, err)
	}
	return *(res.(*score)), nil
}

// awaitCandidate is await with worker failures degraded to an infinite
// score: a crashed candidate is skipped, not fatal.
func (o *Optimizer) awaitCandidate(ctx context.Context, h *pool.Handle) score {
	sc, err := o.await(h)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "candidate simulation failed", slog.Any("error", err))
		return infiniteScore()
	}
	return sc
}

func (o *Optimizer) awaitFinal(s schedule.Schedule) (score, error) {
	cand := s.Clone()
	in := o.Inputs
	set := o.Settings
	end := o.endRecord()
	limits := flattenLimits(cand)
	h := o.Pool.Submit(func() any {
		central := simulate.Run(in, &cand, simulate.ScenarioCentral, end, timeseries.Step, true)
		var p10 *simulate.Result
		if set.PVMetric10Weight > 0 {
			p10 = simulate.Run(in, &cand, simulate.ScenarioP10, end, timeseries.Step, true)
		}
		sc := composite(central, p10, set, limits)
		return &sc
	})
	return o.await(h)
}

func flattenLimits(s schedule.Schedule) []float64 {
	out := make([]float64, 0, len(s.ChargeLimits)+len(s.ExportLimits))
	out = append(out, s.ChargeLimits...)
	out = append(out, s.ExportLimits...)
	return out
}

// sweepLevels is the coarse pass: every window tries every limit level at a
// coarse simulation step. CalculateDischargeFirst flips which list goes
// first.
func (o *Optimizer) sweepLevels(ctx context.Context, s *schedule.Schedule, cur *score) {
	if o.Settings.CalculateDischargeFirst {
		o.sweepExportWindows(ctx, s, cur, coarseStepMinutes, exportLevels)
		o.sweepChargeWindows(ctx, s, cur, coarseStepMinutes, o.chargeLevels())
	} else {
		o.sweepChargeWindows(ctx, s, cur, coarseStepMinutes, o.chargeLevels())
		o.sweepExportWindows(ctx, s, cur, coarseStepMinutes, exportLevels)
	}
}

// chargeLevels enumerates candidate charge targets from the floor to full in
// BestSOCStep increments.
func (o *Optimizer) chargeLevels() []float64 {
	m := o.Inputs.Battery
	floor := m.ReserveMin
	if o.Settings.BestSOCMin > floor {
		floor = o.Settings.BestSOCMin
	}
	step := o.Settings.BestSOCStep
	if step <= 0 {
		step = 0.25
	}
	var levels []float64
	for l := floor; l < m.SOCMax; l += step {
		levels = append(levels, l)
	}
	levels = append(levels, m.SOCMax)
	return levels
}

func (o *Optimizer) sweepChargeWindows(ctx context.Context, s *schedule.Schedule, cur *score, step int, levels []float64) {
	for k := range s.ChargeWindows {
		o.sweepOneWindow(ctx, s, cur, step, levels, o.Settings.MetricMinImprovement,
			s.ChargeLimits, k)
	}
}

func (o *Optimizer) sweepExportWindows(ctx context.Context, s *schedule.Schedule, cur *score, step int, levels []float64) {
	for k := range s.ExportWindows {
		o.sweepOneWindow(ctx, s, cur, step, levels, o.Settings.MetricMinImprovementDischarge,
			s.ExportLimits, k)
	}
}

// sweepOneWindow tries every level for one window, dispatching all
// candidates to the pool before collecting, and accepts the best one when it
// beats the current schedule by the improvement threshold.
func (o *Optimizer) sweepOneWindow(ctx context.Context, s *schedule.Schedule, cur *score, step int, levels []float64, threshold float64, limits []float64, k int) {
	type candidate struct {
		level  float64
		handle *pool.Handle
	}
	current := limits[k]
	cands := make([]candidate, 0, len(levels))
	for _, level := range levels {
		if level == current {
			continue
		}
		limits[k] = level
		cands = append(cands, candidate{level: level, handle: o.submit(*s, step)})
	}
	limits[k] = current

	best := *cur
	bestLevel := current
	for _, c := range cands {
		sc := o.awaitCandidate(ctx, c.handle)
		if sc.beats(best, threshold) {
			best = sc
			bestLevel = c.level
		}
	}
	if bestLevel != current {
		limits[k] = bestLevel
		*cur = best
	}
}

// detailedPass re-visits every window at full resolution: windows split at
// rate transitions, neighbouring limits and freeze variants. Acceptance uses
// the per-direction improvement thresholds.
func (o *Optimizer) detailedPass(ctx context.Context, s *schedule.Schedule, cur *score) {
	// re-score the current schedule at full resolution so the fine-grained
	// comparisons are like-for-like
	if sc, err := o.await(o.submit(*s, timeseries.Step)); err == nil {
		*cur = sc
	}

	o.splitAtTransitions(ctx, s, cur)

	m := o.Inputs.Battery
	socStep := o.Settings.BestSOCStep
	if socStep <= 0 {
		socStep = 0.25
	}
	for k, limit := range s.ChargeLimits {
		levels := []float64{limit - socStep, limit + socStep}
		if o.Settings.SetChargeFreeze {
			levels = append(levels, m.ReserveMin)
		}
		levels = clampLevels(levels, m.ReserveMin, m.SOCMax)
		o.sweepOneWindow(ctx, s, cur, timeseries.Step, levels, o.Settings.MetricMinImprovement, s.ChargeLimits, k)
	}
	for k, limit := range s.ExportLimits {
		levels := []float64{limit - 5, limit + 5, schedule.ExportFreeze, schedule.ExportDisabled}
		levels = clampLevels(levels, 0, schedule.ExportDisabled)
		o.sweepOneWindow(ctx, s, cur, timeseries.Step, levels, o.Settings.MetricMinImprovementDischarge, s.ExportLimits, k)
	}
}

func clampLevels(levels []float64, lo, hi float64) []float64 {
	out := levels[:0]
	seen := map[float64]bool{}
	for _, l := range levels {
		if l < lo {
			l = lo
		} else if l > hi {
			l = hi
		}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// splitAtTransitions breaks charge windows at import-rate transitions so each
// piece can settle on its own limit; export windows are not split. The split
// keeps the window's limit and is accepted only when its re-score beats the
// current one (improvement or tie-break, with no threshold).
func (o *Optimizer) splitAtTransitions(ctx context.Context, s *schedule.Schedule, cur *score) {
	split := s.Clone()
	var changed bool

	var newW []schedule.Window
	var newL []float64
	for i, w := range split.ChargeWindows {
		cuts := rateTransitions(o.Inputs.Tables.RateImport, w)
		pieces := schedule.Split(w, cuts)
		for _, p := range pieces {
			newW = append(newW, p)
			newL = append(newL, split.ChargeLimits[i])
		}
		changed = changed || len(pieces) > 1
	}
	if o.Settings.MaxWindows > 0 && len(newW) > o.Settings.MaxWindows {
		return
	}
	split.ChargeWindows, split.ChargeLimits = newW, newL

	if !changed {
		return
	}
	sc := o.awaitCandidate(ctx, o.submit(split, timeseries.Step))
	if sc.beats(*cur, 0) {
		*s = split
		*cur = sc
	}
}

// boundaryPass nudges window starts and ends by one step to catch rate
// transitions the discovery thresholds missed.
func (o *Optimizer) boundaryPass(ctx context.Context, s *schedule.Schedule, cur *score) {
	o.nudgeWindows(ctx, s, cur, s.ChargeWindows, o.Settings.MetricMinImprovement)
	o.nudgeWindows(ctx, s, cur, s.ExportWindows, o.Settings.MetricMinImprovementDischarge)
}

func (o *Optimizer) nudgeWindows(ctx context.Context, s *schedule.Schedule, cur *score, windows []schedule.Window, threshold float64) {
	horizonEnd := o.Inputs.Tables.Grid.MinutesNow + o.Inputs.Tables.Grid.ForecastMinutes
	for k := range windows {
		type variant struct {
			w      schedule.Window
			handle *pool.Handle
		}
		orig := windows[k]
		deltas := []schedule.Window{
			{Start: orig.Start - timeseries.Step, End: orig.End},
			{Start: orig.Start + timeseries.Step, End: orig.End},
			{Start: orig.Start, End: orig.End - timeseries.Step},
			{Start: orig.Start, End: orig.End + timeseries.Step},
		}
		var variants []variant
		for _, v := range deltas {
			if v.Start < 0 || v.End > horizonEnd || v.Duration() <= 0 {
				continue
			}
			windows[k] = v
			if overlapsSiblings(windows, k) {
				continue
			}
			variants = append(variants, variant{w: v, handle: o.submit(*s, timeseries.Step)})
		}
		windows[k] = orig

		best := *cur
		bestW := orig
		for _, v := range variants {
			sc := o.awaitCandidate(ctx, v.handle)
			if sc.beats(best, threshold) {
				best = sc
				bestW = v.w
			}
		}
		if bestW != orig {
			windows[k] = bestW
			*cur = best
		}
	}
}

func overlapsSiblings(windows []schedule.Window, k int) bool {
	for i, w := range windows {
		if i == k {
			continue
		}
		if windows[k].Start < w.End && w.Start < windows[k].End {
			return true
		}
	}
	return false
}
