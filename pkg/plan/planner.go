package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/battery"
	"github.com/helioplan/helioplan/pkg/forecast"
	"github.com/helioplan/helioplan/pkg/inverter"
	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/pool"
	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/simulate"
	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/tariff"
	"github.com/helioplan/helioplan/pkg/timeseries"
	"github.com/helioplan/helioplan/pkg/types"
)

// Publisher receives each accepted plan and status change. The MQTT surface
// implements it; the websocket hub subscribes through OnPlan instead.
type Publisher interface {
	PublishPlan(ctx context.Context, plan types.Plan) error
	PublishStatus(ctx context.Context, status types.Status) error
}

// Planner runs the planning loop: read state, fetch forecasts, optimise,
// apply, persist, publish. Every failure keeps the previous plan.
type Planner struct {
	solar    forecast.SolarProvider
	loadFc   forecast.LoadProvider
	tariff   tariff.Provider
	inverter inverter.Controller
	storage  storage.Database

	interval time.Duration
	horizon  time.Duration

	batteryLoss          float64
	batteryLossDischarge float64
	inverterLoss         float64
	batteryRateMinKW     float64
	profilePath          string
	curves               battery.Curves

	publishers []Publisher
	onPlan     []func(types.Plan)

	mu          sync.Mutex
	status      types.Status
	lastPlan    *types.Plan
	lastApplied schedule.Schedule

	progress atomic.Int64
}

// Config carries the static planner wiring. Configured fills it from flags;
// tests build it directly.
type Config struct {
	Interval time.Duration
	Horizon  time.Duration

	BatteryLoss          float64
	BatteryLossDischarge float64
	InverterLoss         float64
	BatteryRateMinKW     float64
	Curves               battery.Curves
}

// New builds a planner from explicit configuration.
func New(cfg Config, solar forecast.SolarProvider, load forecast.LoadProvider, t tariff.Provider, inv inverter.Controller, db storage.Database) *Planner {
	return &Planner{
		solar:                solar,
		loadFc:               load,
		tariff:               t,
		inverter:             inv,
		storage:              db,
		interval:             cfg.Interval,
		horizon:              cfg.Horizon,
		batteryLoss:          cfg.BatteryLoss,
		batteryLossDischarge: cfg.BatteryLossDischarge,
		inverterLoss:         cfg.InverterLoss,
		batteryRateMinKW:     cfg.BatteryRateMinKW,
		curves:               cfg.Curves,
	}
}

// Configured initializes the Planner with its providers.
// It uses lflag to register command-line flags for configuration.
func Configured(solar forecast.SolarProvider, load forecast.LoadProvider, t tariff.Provider, inv inverter.Controller, db storage.Database) *Planner {
	p := &Planner{
		solar:    solar,
		loadFc:   load,
		tariff:   t,
		inverter: inv,
		storage:  db,
	}

	interval := lflag.Duration("plan-interval", 5*time.Minute, "How often to re-plan; also the per-plan time budget")
	horizon := lflag.Duration("plan-horizon", 48*time.Hour, "Forecast horizon")
	batteryLoss := lflag.Float64("battery-loss", 0.95, "Battery charge efficiency (0-1]")
	batteryLossDis := lflag.Float64("battery-loss-discharge", 0.95, "Battery discharge efficiency (0-1]")
	inverterLoss := lflag.Float64("inverter-loss", 0.96, "AC conversion efficiency (0-1]")
	rateMin := lflag.Float64("battery-rate-min-kw", 0, "Lowest rate the inverter will run at (kW)")
	profile := lflag.String("battery-profile", "", "Path to a YAML battery curve profile")

	lflag.Do(func() {
		p.interval = *interval
		p.horizon = *horizon
		p.batteryLoss = *batteryLoss
		p.batteryLossDischarge = *batteryLossDis
		p.inverterLoss = *inverterLoss
		p.batteryRateMinKW = *rateMin
		p.profilePath = *profile

		curves, err := battery.LoadProfile(p.profilePath)
		if err != nil {
			panic(fmt.Sprintf("battery profile failed to load: %v", err))
		}
		p.curves = curves
	})

	return p
}

// AddPublisher registers a plan/status sink.
func (p *Planner) AddPublisher(pub Publisher) {
	p.publishers = append(p.publishers, pub)
}

// OnPlan registers a callback invoked with each accepted plan.
func (p *Planner) OnPlan(fn func(types.Plan)) {
	p.onPlan = append(p.onPlan, fn)
}

// Status returns the planner's externally visible state.
func (p *Planner) Status() types.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Progress = int(p.progress.Load())
	return st
}

// LastPlan returns the most recently accepted plan.
func (p *Planner) LastPlan() (types.Plan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPlan == nil {
		return types.Plan{}, false
	}
	return *p.lastPlan, true
}

// Run plans immediately and then on every interval tick until the context is
// canceled. A failed plan never stops the loop.
func (p *Planner) Run(ctx context.Context) error {
	if err := p.RunOnce(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "initial plan failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "planner stopping")
			return nil
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "plan failed", slog.Any("error", err))
			}
		}
	}
}

func (p *Planner) setState(state, lastError string) {
	p.mu.Lock()
	p.status.State = state
	p.status.LastError = lastError
	p.mu.Unlock()
}

func (p *Planner) fail(err error) error {
	p.setState(types.StateFailed, err.Error())
	return err
}

// RunOnce executes one full planning cycle.
func (p *Planner) RunOnce(ctx context.Context) error {
	start := time.Now()
	p.progress.Store(0)
	p.setState(types.StatePlanning, "")

	settings, err := p.loadSettings(ctx)
	if err != nil {
		return p.fail(fmt.Errorf("failed to load settings: %w", err))
	}
	if settings.Pause {
		p.setState(types.StatePaused, "")
		return nil
	}

	state, err := p.inverter.ReadState(ctx)
	if err != nil {
		return p.fail(fmt.Errorf("failed to read inverter state: %w", err))
	}

	now := start
	minutesNow := (now.Hour()*60 + now.Minute()) / timeseries.Step * timeseries.Step
	grid := timeseries.Grid{
		MinutesNow:      minutesNow,
		ForecastMinutes: int(p.horizon.Minutes()) / timeseries.Step * timeseries.Step,
	}

	inputs, err := p.buildInputs(ctx, grid, now, state, settings)
	if err != nil {
		return p.fail(err)
	}

	workers := pool.Size(settings.Workers)
	wp := pool.New(workers)
	defer wp.Close()

	// the run interval is also the soft deadline: a slow plan yields its
	// best-so-far rather than delaying the next cycle
	octx, cancel := context.WithDeadline(ctx, start.Add(p.interval))
	defer cancel()

	opt := &Optimizer{
		Pool:     wp,
		Settings: settings,
		Inputs:   inputs,
		Progress: &p.progress,
	}
	outcome, err := opt.Optimize(octx)
	if err != nil {
		return p.fail(fmt.Errorf("optimisation failed: %w", err))
	}
	if outcome.Err != nil {
		// degraded but usable: the best schedule found still ships
		log.Ctx(ctx).WarnContext(ctx, "plan degraded", slog.Any("error", outcome.Err))
	}
	if outcome.SOCMinBelowReserve {
		log.Ctx(ctx).WarnContext(ctx, "plan cannot hold SOC above reserve",
			slog.Any("error", fmt.Errorf("%w: soc min %.2f kWh at minute %d",
				ErrInfeasible, outcome.Result.SOCMin, outcome.Result.SOCMinMinute)))
	}

	newPlan := types.Plan{
		CreatedAt:          now,
		Schedule:           outcome.Schedule,
		Result:             outcome.Result,
		ResultP10:          outcome.ResultP10,
		Score:              simulate.RoundMetric(outcome.Score),
		Duration:           time.Since(start),
		SkippedPasses:      outcome.SkippedPasses,
		SOCMinBelowReserve: outcome.SOCMinBelowReserve,
	}

	applyErr := p.apply(ctx, settings, outcome.Schedule)

	if err := p.storage.InsertPlan(ctx, newPlan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist plan", slog.Any("error", err))
	}

	p.mu.Lock()
	p.lastPlan = &newPlan
	p.status = types.Status{
		State:            types.StateIdle,
		LastPlanAt:       now,
		LastPlanDuration: newPlan.Duration,
	}
	if applyErr != nil {
		p.status.LastError = applyErr.Error()
	} else if outcome.Err != nil {
		p.status.LastError = outcome.Err.Error()
	}
	p.mu.Unlock()

	p.publish(ctx, newPlan)

	log.Ctx(ctx).InfoContext(ctx, "plan complete",
		slog.Float64("score", newPlan.Score),
		slog.Duration("duration", newPlan.Duration),
		slog.Int("chargeWindows", len(newPlan.Schedule.ChargeWindows)),
		slog.Int("exportWindows", len(newPlan.Schedule.ExportWindows)),
	)
	return applyErr
}

// loadSettings fetches the dynamic settings, migrating forward and
// persisting the migration when one ran.
func (p *Planner) loadSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := p.storage.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	migrated, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, err
	}
	if changed {
		if err := p.storage.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings", slog.Any("error", err))
		}
	}
	return migrated, nil
}

// buildInputs assembles and validates the frozen input bundle for one plan.
func (p *Planner) buildInputs(ctx context.Context, grid timeseries.Grid, now time.Time, state inverter.State, settings types.Settings) (*simulate.Inputs, error) {
	imp, exp, _, err := p.tariff.Rates(ctx, grid, now)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tariff rates: %w", err)
	}
	central, p10, err := p.solar.PVForecast(ctx, grid, now)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch solar forecast: %w", err)
	}
	loadSeries, err := p.loadFc.LoadForecast(ctx, grid, now)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch load forecast: %w", err)
	}

	tables := &timeseries.Tables{
		Grid:       grid,
		RateImport: imp,
		RateExport: exp,
		PVCentral:  central,
		PV10:       p10,
		Load:       loadSeries,
	}
	model := &battery.Model{
		SOCMax:             state.SOCMaxKWH,
		ReserveMin:         state.ReserveMinKWH,
		RateMaxChargeKW:    state.RateMaxChargeKW,
		RateMaxDischargeKW: state.RateMaxDischargeKW,
		RateMinKW:          p.batteryRateMinKW,
		Loss:               p.batteryLoss,
		LossDischarge:      p.batteryLossDischarge,
		Curves:             p.curves,
	}
	inputs := &simulate.Inputs{
		Tables:            tables,
		Battery:           model,
		Cars:              buildCars(grid, settings.Cars),
		SOCNow:            state.SOCKWH,
		TempNow:           state.BatteryTempC,
		InverterLimitKW:   state.InverterLimitKW,
		ExportLimitKW:     state.ExportLimitKW,
		InverterLoss:      p.inverterLoss,
		InverterHybrid:    state.HybridInverter,
		ImportTodayKWH:    state.ImportTodayKWH,
		ExportTodayKWH:    state.ExportTodayKWH,
		LoadTodayKWH:      state.LoadTodayKWH,
		PVTodayKWH:        state.PVTodayKWH,
		BestSOCKeep:       settings.BestSOCKeep,
		BestSOCKeepWeight: settings.BestSOCKeepWeight,
		CarbonEnable:      settings.CarbonEnable,
		IBoost: simulate.IBoost{
			Enable:       settings.IBoostEnable,
			Solar:        settings.IBoostSolar,
			OnExport:     settings.IBoostOnExport,
			MaxPowerKW:   settings.IBoostMaxPowerKW,
			MaxEnergyKWH: settings.IBoostMaxEnergy,
			ValuePerKWH:  settings.IBoostValuePerKWH,
		},
		Toggles: simulate.Toggles{
			SetChargeWindow:               settings.SetChargeWindow,
			SetExportWindow:               settings.SetExportWindow,
			SetChargeFreeze:               settings.SetChargeFreeze,
			SetExportFreeze:               settings.SetExportFreeze,
			SetExportFreezeOnly:           settings.SetExportFreezeOnly,
			SetReserveEnable:              settings.SetReserveEnable,
			SetDischargeDuringCharge:      settings.SetDischargeDuringCharge,
			SetChargeLowPower:             settings.SetChargeLowPower,
			InverterCanChargeDuringExport: settings.InverterCanChargeDuringExport,
		},
	}
	if err := inputs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return inputs, nil
}

// buildCars turns the configured EVs into simulator car state, expanding
// each daily charge window into a per-slot planned-charge vector.
func buildCars(grid timeseries.Grid, cars []types.CarSettings) []simulate.Car {
	out := make([]simulate.Car, 0, len(cars))
	for _, c := range cars {
		if c.SizeKWH <= 0 || c.ChargeRateKW <= 0 || c.ChargeEndMin <= c.ChargeStartMin {
			continue
		}
		planned := make(timeseries.Series, grid.Steps())
		slotKWH := c.ChargeRateKW * timeseries.Step / 60.0
		for i := range planned {
			minute := (i * timeseries.Step) % timeseries.MinutesPerDay
			if minute >= c.ChargeStartMin && minute < c.ChargeEndMin {
				planned[i] = slotKWH
			}
		}
		out = append(out, simulate.Car{
			SOCKWH:        c.SOCKWH,
			LimitKWH:      c.LimitKWH,
			SizeKWH:       c.SizeKWH,
			PlannedCharge: planned,
		})
	}
	return out
}

// apply programs the schedule delta into the inverter unless dry-run.
func (p *Planner) apply(ctx context.Context, settings types.Settings, s schedule.Schedule) error {
	p.mu.Lock()
	prev := p.lastApplied
	p.mu.Unlock()

	// window-setter toggles gate what actually reaches the inverter
	if !settings.SetChargeWindow {
		s.ChargeWindows = nil
		s.ChargeLimits = nil
	}
	if !settings.SetExportWindow {
		s.ExportWindows = nil
		s.ExportLimits = nil
	}

	delta := types.DiffSchedules(prev, s)
	if settings.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run, not applying schedule",
			slog.Int("chargeSet", len(delta.ChargeSet)),
			slog.Int("exportSet", len(delta.ExportSet)),
		)
		return nil
	}
	if delta.Empty() {
		return nil
	}

	p.setState(types.StateApplying, "")
	if err := p.inverter.Apply(ctx, delta); err != nil {
		return fmt.Errorf("failed to apply schedule: %w", err)
	}

	p.mu.Lock()
	p.lastApplied = s
	p.mu.Unlock()
	return nil
}

func (p *Planner) publish(ctx context.Context, newPlan types.Plan) {
	status := p.Status()
	for _, pub := range p.publishers {
		if err := pub.PublishPlan(ctx, newPlan); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish plan", slog.Any("error", err))
		}
		if err := pub.PublishStatus(ctx, status); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish status", slog.Any("error", err))
		}
	}
	for _, fn := range p.onPlan {
		fn(newPlan)
	}
}

// Interval returns the planning cadence.
func (p *Planner) Interval() time.Duration {
	return p.interval
}

// PlanHistory proxies the stored plan history for the API surface.
func (p *Planner) PlanHistory(ctx context.Context, start, end time.Time) ([]types.Plan, error) {
	return p.storage.GetPlanHistory(ctx, start, end)
}

// LatestStoredPlan returns the last persisted plan, used to warm the status
// surface after a restart.
func (p *Planner) LatestStoredPlan(ctx context.Context) (types.Plan, error) {
	stored, err := p.storage.GetLatestPlan(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Plan{}, err
		}
		return types.Plan{}, fmt.Errorf("failed to load latest plan: %w", err)
	}
	return stored, nil
}
