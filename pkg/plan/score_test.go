package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helioplan/helioplan/pkg/simulate"
	"github.com/helioplan/helioplan/pkg/types"
)

func TestComposite(t *testing.T) {
	set := types.Settings{MetricBatteryCycle: 0.05}

	t.Run("Central Only", func(t *testing.T) {
		central := &simulate.Result{Metric: 2.0, BatteryCycleKWH: 10}
		sc := composite(central, nil, set, nil)
		assert.InDelta(t, 2.0+10*0.05, sc.value, 1e-9)
	})

	t.Run("Blend", func(t *testing.T) {
		set := set
		set.PVMetric10Weight = 0.2
		central := &simulate.Result{Metric: 2.0}
		p10 := &simulate.Result{Metric: 4.0}
		sc := composite(central, p10, set, nil)
		assert.InDelta(t, 0.8*2.0+0.2*4.0, sc.value, 1e-9)
	})

	t.Run("Zero Weight Ignores P10", func(t *testing.T) {
		central := &simulate.Result{Metric: 2.0}
		p10 := &simulate.Result{Metric: 100.0}
		sc := composite(central, p10, set, nil)
		assert.InDelta(t, 2.0, sc.value, 1e-9)
	})
}

func TestScoreBeats(t *testing.T) {
	t.Run("Threshold Gates Acceptance", func(t *testing.T) {
		a := score{value: 1.0}
		b := score{value: 1.05}
		assert.False(t, a.beats(b, 0.1), "5p better is under the 10p threshold")
		assert.True(t, a.beats(b, 0.01))
	})

	t.Run("Infinite Never Wins", func(t *testing.T) {
		assert.False(t, infiniteScore().beats(score{value: 1e9}, 0))
		assert.True(t, score{value: 1e9}.beats(infiniteScore(), 0))
	})

	t.Run("Tie Breaks On Cycle Then SOC Min", func(t *testing.T) {
		a := score{value: 1.0, cycle: 5, socMin: 2}
		b := score{value: 1.0, cycle: 8, socMin: 2}
		assert.True(t, a.beats(b, 0.1), "same value, less cycling wins")
		assert.False(t, b.beats(a, 0.1))

		c := score{value: 1.0, cycle: 5, socMin: 3}
		assert.True(t, c.beats(a, 0.1), "same value and cycle, higher soc min wins")
	})

	t.Run("Lexicographic Limits Last", func(t *testing.T) {
		a := score{value: 1.0, limits: []float64{4, 10}}
		b := score{value: 1.0, limits: []float64{5, 10}}
		assert.True(t, a.beats(b, 0.1))
		assert.False(t, b.beats(a, 0.1))
	})

	t.Run("Worse Never Wins", func(t *testing.T) {
		a := score{value: 2.0}
		b := score{value: 1.0}
		assert.False(t, a.beats(b, 0))
	})
}
