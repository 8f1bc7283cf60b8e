package plan

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioplan/helioplan/pkg/battery"
	"github.com/helioplan/helioplan/pkg/inverter"
	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/timeseries"
	"github.com/helioplan/helioplan/pkg/types"
)

type stubTariff struct {
	nan bool
}

func (s *stubTariff) Rates(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, timeseries.Series, float64, error) {
	n := grid.Steps()
	imp := timeseries.Fill(n, 0.30)
	// cheap band 00:30-04:30 every day so any plan time sees one ahead
	for i := 0; i < n; i++ {
		minute := (i * timeseries.Step) % timeseries.MinutesPerDay
		if minute >= 30 && minute < 270 {
			imp[i] = 0.07
		}
	}
	if s.nan {
		imp[0] = math.NaN()
	}
	return imp, timeseries.Fill(n, 0.05), 0.45, nil
}

type stubSolar struct{}

func (stubSolar) PVForecast(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, timeseries.Series, error) {
	n := grid.Steps()
	return timeseries.Fill(n, 0), timeseries.Fill(n, 0), nil
}

type stubLoad struct{}

func (stubLoad) LoadForecast(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, error) {
	return timeseries.Fill(grid.Steps(), 0.02), nil
}

func testPlanner(t *testing.T, tar *stubTariff) (*Planner, *inverter.Mock, *storage.Memory) {
	t.Helper()
	inv := inverter.NewMock(inverter.State{
		SOCKWH:             1,
		SOCMaxKWH:          10,
		ReserveMinKWH:      1,
		BatteryTempC:       18,
		RateMaxChargeKW:    6,
		RateMaxDischargeKW: 6,
		InverterLimitKW:    10,
		ExportLimitKW:      10,
	})
	db := storage.NewMemory()
	cfg := Config{
		Interval:             5 * time.Second,
		Horizon:              24 * time.Hour,
		BatteryLoss:          0.95,
		BatteryLossDischarge: 0.95,
		InverterLoss:         1,
		Curves:               battery.FlatCurves(),
	}
	// the operator has enabled window control; migration fills the rest
	require.NoError(t, db.SetSettings(context.Background(), types.Settings{
		SetChargeWindow: true,
		SetExportWindow: true,
	}, 0))
	return New(cfg, stubSolar{}, stubLoad{}, tar, inv, db), inv, db
}

func TestPlannerRunOnce(t *testing.T) {
	p, inv, db := testPlanner(t, &stubTariff{})
	ctx := context.Background()

	var published []types.Plan
	p.OnPlan(func(pl types.Plan) { published = append(published, pl) })

	require.NoError(t, p.RunOnce(ctx))

	// a plan landed everywhere: in memory, in storage, at subscribers, on
	// the inverter
	last, ok := p.LastPlan()
	require.True(t, ok)
	assert.NotEmpty(t, last.Schedule.ChargeWindows, "cheap overnight power should be planned")

	stored, err := db.GetLatestPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Score, stored.Score)

	require.Len(t, published, 1)

	applied := inv.Applied()
	require.NotEmpty(t, applied)
	assert.True(t, applied[0].ChargeEnable)

	st := p.Status()
	assert.Equal(t, types.StateIdle, st.State)
	assert.Empty(t, st.LastError)
	assert.Greater(t, st.LastPlanDuration, time.Duration(0))
}

func TestPlannerRunOnceIdempotentApply(t *testing.T) {
	// a second cycle with the same schedule produces an empty delta and no
	// second inverter write
	p, inv, _ := testPlanner(t, &stubTariff{})
	ctx := context.Background()

	require.NoError(t, p.RunOnce(ctx))
	first := len(inv.Applied())
	require.NoError(t, p.RunOnce(ctx))
	assert.Equal(t, first, len(inv.Applied()), "unchanged schedule must not be re-applied")
}

func TestPlannerBadInput(t *testing.T) {
	p, inv, _ := testPlanner(t, &stubTariff{nan: true})
	ctx := context.Background()

	err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadInput))

	// no plan, no inverter writes, failed status with a reason
	_, ok := p.LastPlan()
	assert.False(t, ok)
	assert.Empty(t, inv.Applied())
	st := p.Status()
	assert.Equal(t, types.StateFailed, st.State)
	assert.NotEmpty(t, st.LastError)
}

func TestPlannerDryRun(t *testing.T) {
	p, inv, db := testPlanner(t, &stubTariff{})
	ctx := context.Background()
	require.NoError(t, db.SetSettings(ctx, types.Settings{DryRun: true}, 0))

	require.NoError(t, p.RunOnce(ctx))

	_, ok := p.LastPlan()
	assert.True(t, ok, "dry run still plans")
	assert.Empty(t, inv.Applied(), "dry run never touches the inverter")
}

func TestPlannerPause(t *testing.T) {
	p, inv, db := testPlanner(t, &stubTariff{})
	ctx := context.Background()
	require.NoError(t, db.SetSettings(ctx, types.Settings{Pause: true}, types.CurrentSettingsVersion))

	require.NoError(t, p.RunOnce(ctx))
	_, ok := p.LastPlan()
	assert.False(t, ok)
	assert.Empty(t, inv.Applied())
	assert.Equal(t, types.StatePaused, p.Status().State)
}

func TestPlannerInverterFailure(t *testing.T) {
	p, inv, _ := testPlanner(t, &stubTariff{})
	inv.ReadErr = errors.New("register timeout")
	ctx := context.Background()

	err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, types.StateFailed, p.Status().State)
}

func TestPlannerCarCharging(t *testing.T) {
	// a configured EV shows up in the plan as extra load and its final SOC
	// is reported in the accepted trace
	p, _, db := testPlanner(t, &stubTariff{})
	ctx := context.Background()
	require.NoError(t, db.SetSettings(ctx, types.Settings{
		SetChargeWindow: true,
		SetExportWindow: true,
		Cars: []types.CarSettings{{
			SOCKWH:         20,
			LimitKWH:       22,
			SizeKWH:        60,
			ChargeRateKW:   7,
			ChargeStartMin: 60,
			ChargeEndMin:   240,
		}},
	}, 0))

	require.NoError(t, p.RunOnce(ctx))
	last, ok := p.LastPlan()
	require.True(t, ok)
	require.Len(t, last.Result.FinalCarSOC, 1)
	assert.InDelta(t, 22.0, last.Result.FinalCarSOC[0], 1e-6,
		"the 3h window at 7 kW easily covers the 2 kWh the car needs")
}

func TestBuildCars(t *testing.T) {
	grid := timeseries.Grid{MinutesNow: 0, ForecastMinutes: timeseries.MinutesPerDay}

	t.Run("Window Expands Daily", func(t *testing.T) {
		cars := buildCars(grid, []types.CarSettings{{
			SOCKWH: 10, LimitKWH: 50, SizeKWH: 60,
			ChargeRateKW: 6, ChargeStartMin: 30, ChargeEndMin: 90,
		}})
		require.Len(t, cars, 1)
		planned := cars[0].PlannedCharge
		assert.Equal(t, 0.0, planned[grid.Index(0)])
		assert.InDelta(t, 0.5, planned[grid.Index(30)], 1e-9, "6 kW is 0.5 kWh per slot")
		assert.InDelta(t, 0.5, planned[grid.Index(85)], 1e-9)
		assert.Equal(t, 0.0, planned[grid.Index(90)], "window end is exclusive")
	})

	t.Run("Unusable Configs Skipped", func(t *testing.T) {
		cars := buildCars(grid, []types.CarSettings{
			{SizeKWH: 0, ChargeRateKW: 6, ChargeStartMin: 0, ChargeEndMin: 60},
			{SizeKWH: 60, ChargeRateKW: 0, ChargeStartMin: 0, ChargeEndMin: 60},
			{SizeKWH: 60, ChargeRateKW: 6, ChargeStartMin: 60, ChargeEndMin: 60},
		})
		assert.Empty(t, cars)
	})
}

func TestPlannerSettingsMigrationPersisted(t *testing.T) {
	p, _, db := testPlanner(t, &stubTariff{})
	ctx := context.Background()

	require.NoError(t, p.RunOnce(ctx))

	migrated, version, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CurrentSettingsVersion, version)
	assert.Greater(t, migrated.BestSOCStep, 0.0, "defaults filled by migration")
}
