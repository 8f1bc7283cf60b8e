package plan

import (
	"math"

	"github.com/helioplan/helioplan/pkg/simulate"
	"github.com/helioplan/helioplan/pkg/types"
)

// score is the composite outcome of one candidate schedule.
type score struct {
	// value is the blended metric plus the cycle penalty. Lower is better.
	value  float64
	cycle  float64
	socMin float64
	// limits is the flattened limit vector for the lexicographic tie-break.
	limits []float64

	result    *simulate.Result
	resultP10 *simulate.Result

	// infinite marks a candidate whose simulation failed twice.
	infinite bool
}

func infiniteScore() score {
	return score{value: math.Inf(1), infinite: true}
}

// composite folds the simulator results into one comparable value:
// the central metric, blended with the pessimistic solar scenario when
// configured, plus the synthetic battery-cycle cost.
func composite(central, p10 *simulate.Result, set types.Settings, limits []float64) score {
	value := central.Metric
	if p10 != nil && set.PVMetric10Weight > 0 {
		w := set.PVMetric10Weight
		value = (1-w)*central.Metric + w*p10.Metric
	}
	value += central.BatteryCycleKWH * set.MetricBatteryCycle
	return score{
		value:     value,
		cycle:     central.BatteryCycleKWH,
		socMin:    central.SOCMin,
		limits:    limits,
		result:    central,
		resultP10: p10,
	}
}

// beats reports whether candidate a should replace current b given the
// improvement threshold. A candidate wins outright when it improves by more
// than the threshold; an exact value tie falls through to lower battery
// cycling, then higher minimum SOC, then lexicographically smaller limits.
func (a score) beats(b score, threshold float64) bool {
	if a.infinite {
		return false
	}
	if b.infinite {
		return true
	}
	if a.value < b.value-threshold {
		return true
	}
	if math.Abs(a.value-b.value) > 1e-9 {
		return false
	}
	if a.cycle != b.cycle {
		return a.cycle < b.cycle
	}
	if a.socMin != b.socMin {
		return a.socMin > b.socMin
	}
	for i := range a.limits {
		if i >= len(b.limits) {
			break
		}
		if a.limits[i] != b.limits[i] {
			return a.limits[i] < b.limits[i]
		}
	}
	return false
}
