// Package schedule holds the plan the optimiser mutates: charge windows with
// target SOC limits and export windows with SOC floors. Window times are
// minutes since local midnight of the plan day and may run past 1440 into
// the next day.
package schedule

import "sort"

// Export limit sentinels. A limit below ExportFreeze is a forced-export SOC
// floor in percent.
const (
	// ExportDisabled marks an export window that is present but inactive.
	ExportDisabled = 100
	// ExportFreeze holds the current SOC and exports only surplus solar.
	ExportFreeze = 99
)

// Window is a half-open time range [Start, End) in minutes since local
// midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Duration returns the window length in minutes.
func (w Window) Duration() int {
	return w.End - w.Start
}

// Contains reports whether the minute falls inside the window.
func (w Window) Contains(minute int) bool {
	return minute >= w.Start && minute < w.End
}

func (w Window) overlaps(o Window) bool {
	return w.Start < o.End && o.Start < w.End
}

// Schedule is the mutable plan: charge windows with kWh targets and export
// windows with SOC-percent floors. Both lists are kept disjoint and
// ascending; limits are parallel to their windows.
type Schedule struct {
	ChargeWindows []Window  `json:"chargeWindows"`
	ChargeLimits  []float64 `json:"chargeLimits"`
	ExportWindows []Window  `json:"exportWindows"`
	ExportLimits  []float64 `json:"exportLimits"`
}

// Clone returns a deep copy. Workers receive clones so the optimiser's copy
// is never shared.
func (s Schedule) Clone() Schedule {
	out := Schedule{
		ChargeWindows: append([]Window(nil), s.ChargeWindows...),
		ChargeLimits:  append([]float64(nil), s.ChargeLimits...),
		ExportWindows: append([]Window(nil), s.ExportWindows...),
		ExportLimits:  append([]float64(nil), s.ExportLimits...),
	}
	return out
}

// Normalize sorts both lists, drops empty windows and clips any overlap
// within a list by truncating the later window's start.
func (s *Schedule) Normalize() {
	s.ChargeWindows, s.ChargeLimits = normalizeList(s.ChargeWindows, s.ChargeLimits)
	s.ExportWindows, s.ExportLimits = normalizeList(s.ExportWindows, s.ExportLimits)
}

func normalizeList(wins []Window, limits []float64) ([]Window, []float64) {
	type pair struct {
		w Window
		l float64
	}
	pairs := make([]pair, 0, len(wins))
	for i, w := range wins {
		var l float64
		if i < len(limits) {
			l = limits[i]
		}
		pairs = append(pairs, pair{w, l})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].w.Start < pairs[j].w.Start
	})

	outW := make([]Window, 0, len(pairs))
	outL := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		w := p.w
		if len(outW) > 0 && w.Start < outW[len(outW)-1].End {
			w.Start = outW[len(outW)-1].End
		}
		if w.Duration() <= 0 {
			continue
		}
		outW = append(outW, w)
		outL = append(outL, p.l)
	}
	return outW, outL
}

// ClampChargeLimits forces every charge target into [reserveMin, socMax].
func (s *Schedule) ClampChargeLimits(reserveMin, socMax float64) {
	for i, l := range s.ChargeLimits {
		if l < reserveMin {
			s.ChargeLimits[i] = reserveMin
		} else if l > socMax {
			s.ChargeLimits[i] = socMax
		}
	}
}

// CombineCharge merges adjacent charge windows that share the same limit.
func (s *Schedule) CombineCharge() {
	s.ChargeWindows, s.ChargeLimits = combineList(s.ChargeWindows, s.ChargeLimits)
}

// CombineExport merges adjacent export windows that share the same limit.
func (s *Schedule) CombineExport() {
	s.ExportWindows, s.ExportLimits = combineList(s.ExportWindows, s.ExportLimits)
}

func combineList(wins []Window, limits []float64) ([]Window, []float64) {
	if len(wins) < 2 {
		return wins, limits
	}
	outW := []Window{wins[0]}
	outL := []float64{limits[0]}
	for i := 1; i < len(wins); i++ {
		last := len(outW) - 1
		if wins[i].Start == outW[last].End && limits[i] == outL[last] {
			outW[last].End = wins[i].End
			continue
		}
		outW = append(outW, wins[i])
		outL = append(outL, limits[i])
	}
	return outW, outL
}

// Split breaks a window at the given boundaries (minutes since midnight),
// ignoring boundaries outside the window. Used by the detailed pass to
// re-optimise across rate transitions.
func Split(w Window, boundaries []int) []Window {
	cuts := make([]int, 0, len(boundaries))
	for _, b := range boundaries {
		if b > w.Start && b < w.End {
			cuts = append(cuts, b)
		}
	}
	sort.Ints(cuts)
	out := make([]Window, 0, len(cuts)+1)
	start := w.Start
	for _, c := range cuts {
		if c > start {
			out = append(out, Window{Start: start, End: c})
			start = c
		}
	}
	out = append(out, Window{Start: start, End: w.End})
	return out
}

// RemoveOverlap restores disjointness between the charge and export lists by
// clipping charge windows around export windows. Forced export wins a true
// overlap, matching the simulator's precedence.
func (s *Schedule) RemoveOverlap() {
	outW := make([]Window, 0, len(s.ChargeWindows))
	outL := make([]float64, 0, len(s.ChargeLimits))
	for i, cw := range s.ChargeWindows {
		limit := s.ChargeLimits[i]
		pieces := []Window{cw}
		for j, ew := range s.ExportWindows {
			if s.ExportLimits[j] >= ExportDisabled {
				continue
			}
			var next []Window
			for _, p := range pieces {
				if !p.overlaps(ew) {
					next = append(next, p)
					continue
				}
				if ew.Start > p.Start {
					next = append(next, Window{Start: p.Start, End: ew.Start})
				}
				if ew.End < p.End {
					next = append(next, Window{Start: ew.End, End: p.End})
				}
			}
			pieces = next
		}
		for _, p := range pieces {
			if p.Duration() > 0 {
				outW = append(outW, p)
				outL = append(outL, limit)
			}
		}
	}
	s.ChargeWindows, s.ChargeLimits = normalizeList(outW, outL)
}

// ChargeWindowAt returns the index of the charge window covering the minute,
// or -1. Window counts are small so a linear scan is fine.
func (s *Schedule) ChargeWindowAt(minute int) int {
	for i, w := range s.ChargeWindows {
		if w.Contains(minute) {
			return i
		}
	}
	return -1
}

// ExportWindowAt returns the index of the export window covering the minute,
// or -1. Disabled windows are skipped.
func (s *Schedule) ExportWindowAt(minute int) int {
	for i, w := range s.ExportWindows {
		if s.ExportLimits[i] >= ExportDisabled {
			continue
		}
		if w.Contains(minute) {
			return i
		}
	}
	return -1
}
