package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Run("Sorts And Drops Empties", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 600, End: 700}, {Start: 100, End: 100}, {Start: 0, End: 60}},
			ChargeLimits:  []float64{5, 9, 3},
		}
		s.Normalize()
		require.Len(t, s.ChargeWindows, 2)
		assert.Equal(t, Window{Start: 0, End: 60}, s.ChargeWindows[0])
		assert.Equal(t, 3.0, s.ChargeLimits[0])
		assert.Equal(t, Window{Start: 600, End: 700}, s.ChargeWindows[1])
		assert.Equal(t, 5.0, s.ChargeLimits[1])
	})

	t.Run("Clips Overlap Within A List", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 0, End: 120}, {Start: 60, End: 180}},
			ChargeLimits:  []float64{5, 7},
		}
		s.Normalize()
		require.Len(t, s.ChargeWindows, 2)
		assert.Equal(t, 120, s.ChargeWindows[1].Start, "later window clipped to the earlier end")
	})

	t.Run("Swallowed Window Disappears", func(t *testing.T) {
		s := Schedule{
			ExportWindows: []Window{{Start: 0, End: 200}, {Start: 50, End: 150}},
			ExportLimits:  []float64{20, 30},
		}
		s.Normalize()
		require.Len(t, s.ExportWindows, 1)
		assert.Equal(t, Window{Start: 0, End: 200}, s.ExportWindows[0])
	})
}

func TestCombine(t *testing.T) {
	t.Run("Merges Adjacent Same Limit", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 0, End: 60}, {Start: 60, End: 120}, {Start: 120, End: 180}},
			ChargeLimits:  []float64{5, 5, 8},
		}
		s.CombineCharge()
		require.Len(t, s.ChargeWindows, 2)
		assert.Equal(t, Window{Start: 0, End: 120}, s.ChargeWindows[0])
		assert.Equal(t, Window{Start: 120, End: 180}, s.ChargeWindows[1])
	})

	t.Run("Gap Prevents Merge", func(t *testing.T) {
		s := Schedule{
			ExportWindows: []Window{{Start: 0, End: 60}, {Start: 65, End: 120}},
			ExportLimits:  []float64{10, 10},
		}
		s.CombineExport()
		assert.Len(t, s.ExportWindows, 2)
	})
}

func TestSplit(t *testing.T) {
	w := Window{Start: 30, End: 270}

	t.Run("Cuts Inside", func(t *testing.T) {
		pieces := Split(w, []int{120, 60})
		require.Len(t, pieces, 3)
		assert.Equal(t, Window{Start: 30, End: 60}, pieces[0])
		assert.Equal(t, Window{Start: 60, End: 120}, pieces[1])
		assert.Equal(t, Window{Start: 120, End: 270}, pieces[2])
	})

	t.Run("Outside Boundaries Ignored", func(t *testing.T) {
		pieces := Split(w, []int{0, 30, 270, 500})
		require.Len(t, pieces, 1)
		assert.Equal(t, w, pieces[0])
	})
}

func TestRemoveOverlap(t *testing.T) {
	t.Run("Export Wins A True Overlap", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 0, End: 300}},
			ChargeLimits:  []float64{8},
			ExportWindows: []Window{{Start: 100, End: 200}},
			ExportLimits:  []float64{10},
		}
		s.RemoveOverlap()
		require.Len(t, s.ChargeWindows, 2)
		assert.Equal(t, Window{Start: 0, End: 100}, s.ChargeWindows[0])
		assert.Equal(t, Window{Start: 200, End: 300}, s.ChargeWindows[1])
		assert.Equal(t, []float64{8, 8}, s.ChargeLimits)
	})

	t.Run("Disabled Export Window Ignored", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 0, End: 300}},
			ChargeLimits:  []float64{8},
			ExportWindows: []Window{{Start: 100, End: 200}},
			ExportLimits:  []float64{ExportDisabled},
		}
		s.RemoveOverlap()
		require.Len(t, s.ChargeWindows, 1)
	})

	t.Run("Boundary Touch Is Fine", func(t *testing.T) {
		s := Schedule{
			ChargeWindows: []Window{{Start: 0, End: 100}},
			ChargeLimits:  []float64{8},
			ExportWindows: []Window{{Start: 100, End: 200}},
			ExportLimits:  []float64{10},
		}
		s.RemoveOverlap()
		require.Len(t, s.ChargeWindows, 1)
		assert.Equal(t, Window{Start: 0, End: 100}, s.ChargeWindows[0])
	})
}

func TestWindowAt(t *testing.T) {
	s := Schedule{
		ChargeWindows: []Window{{Start: 30, End: 270}},
		ChargeLimits:  []float64{8},
		ExportWindows: []Window{{Start: 960, End: 1140}, {Start: 1200, End: 1260}},
		ExportLimits:  []float64{10, ExportDisabled},
	}

	assert.Equal(t, 0, s.ChargeWindowAt(30))
	assert.Equal(t, 0, s.ChargeWindowAt(269))
	assert.Equal(t, -1, s.ChargeWindowAt(270), "end is exclusive")
	assert.Equal(t, -1, s.ChargeWindowAt(0))

	assert.Equal(t, 0, s.ExportWindowAt(1000))
	assert.Equal(t, -1, s.ExportWindowAt(1220), "disabled windows are skipped")
}

func TestClone(t *testing.T) {
	s := Schedule{
		ChargeWindows: []Window{{Start: 0, End: 60}},
		ChargeLimits:  []float64{5},
	}
	c := s.Clone()
	c.ChargeLimits[0] = 9
	c.ChargeWindows[0].End = 120
	assert.Equal(t, 5.0, s.ChargeLimits[0], "clone must not share limit storage")
	assert.Equal(t, 60, s.ChargeWindows[0].End, "clone must not share window storage")
}

func TestClampChargeLimits(t *testing.T) {
	s := Schedule{
		ChargeWindows: []Window{{Start: 0, End: 60}, {Start: 100, End: 160}},
		ChargeLimits:  []float64{-2, 99},
	}
	s.ClampChargeLimits(1, 10)
	assert.Equal(t, []float64{1, 10}, s.ChargeLimits)
}
