package timeseries

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid(t *testing.T) {
	g := Grid{MinutesNow: 600, ForecastMinutes: 2880}

	t.Run("Steps", func(t *testing.T) {
		assert.Equal(t, (600+2880)/Step, g.Steps())
	})

	t.Run("Index From Now", func(t *testing.T) {
		assert.Equal(t, 120, g.Index(0), "now is 10:00, slot 120")
		assert.Equal(t, 121, g.Index(5))
		assert.Equal(t, 0, g.Index(-600), "midnight")
	})

	t.Run("Validate", func(t *testing.T) {
		assert.NoError(t, g.Validate())
		assert.Error(t, Grid{MinutesNow: -5, ForecastMinutes: 1440}.Validate())
		assert.Error(t, Grid{MinutesNow: 1500, ForecastMinutes: 1440}.Validate())
		assert.Error(t, Grid{MinutesNow: 7, ForecastMinutes: 1440}.Validate(), "not step aligned")
		assert.Error(t, Grid{MinutesNow: 0, ForecastMinutes: 720}.Validate(), "under a day")
		assert.Error(t, Grid{MinutesNow: 0, ForecastMinutes: 1441}.Validate())
	})
}

func TestSeries(t *testing.T) {
	s := Series{1, 2, 3, 4, 5}

	t.Run("SumSlots", func(t *testing.T) {
		assert.Equal(t, 9.0, s.SumSlots(1, 4))
		assert.Equal(t, 15.0, s.SumSlots(0, 100), "end clamped")
		assert.Equal(t, 3.0, s.SumSlots(-2, 2), "negative indexes skipped")
	})

	t.Run("MeanSlots", func(t *testing.T) {
		assert.Equal(t, 3.0, s.MeanSlots(1, 4))
		assert.Equal(t, 0.0, s.MeanSlots(3, 3))
		assert.Equal(t, 3.0, s.MeanSlots(0, 5))
	})

	t.Run("Min", func(t *testing.T) {
		assert.Equal(t, 1.0, s.Min())
		assert.Equal(t, 0.0, Series{}.Min())
		assert.Equal(t, -4.0, Series{2, -4, 7}.Min())
	})

	t.Run("HasNaN", func(t *testing.T) {
		assert.False(t, s.HasNaN())
		assert.True(t, Series{1, math.NaN()}.HasNaN())
		assert.True(t, Series{math.Inf(1)}.HasNaN())
	})

	t.Run("Fill And Clone", func(t *testing.T) {
		f := Fill(3, 0.5)
		assert.Equal(t, Series{0.5, 0.5, 0.5}, f)
		c := f.Clone()
		c[0] = 9
		assert.Equal(t, 0.5, f[0])
	})
}

func validTables() *Tables {
	g := Grid{MinutesNow: 0, ForecastMinutes: 1440}
	n := g.Steps()
	return &Tables{
		Grid:       g,
		RateImport: Fill(n, 0.3),
		RateExport: Fill(n, 0.1),
		PVCentral:  Fill(n, 0),
		PV10:       Fill(n, 0),
		Load:       Fill(n, 0.2),
	}
}

func TestTablesValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validTables().Validate())
	})

	t.Run("Wrong Length", func(t *testing.T) {
		tb := validTables()
		tb.Load = tb.Load[:10]
		assert.Error(t, tb.Validate())
	})

	t.Run("NaN", func(t *testing.T) {
		tb := validTables()
		tb.PVCentral[5] = math.NaN()
		assert.Error(t, tb.Validate())
	})

	t.Run("Negative Rates", func(t *testing.T) {
		tb := validTables()
		tb.RateImport[0] = -1
		assert.Error(t, tb.Validate())

		tb = validTables()
		tb.RateExport[0] = -1
		assert.Error(t, tb.Validate())
	})

	t.Run("Optional Vectors", func(t *testing.T) {
		tb := validTables()
		require.NoError(t, tb.Validate(), "absent optional vectors are fine")

		tb.AlertKeep = Fill(3, 0)
		assert.Error(t, tb.Validate(), "present but mis-sized is not")

		tb.AlertKeep = Fill(tb.Grid.Steps(), 0)
		assert.NoError(t, tb.Validate())
	})
}

func TestTablesSlotHelpers(t *testing.T) {
	tb := validTables()
	// load is 0.2 per 5-minute slot
	assert.InDelta(t, 0.6, tb.SlotEnergy(tb.Load, 0, 15), 1e-9)
	assert.InDelta(t, 0.3, tb.SlotMean(tb.RateImport, 0, 15), 1e-9)
}
