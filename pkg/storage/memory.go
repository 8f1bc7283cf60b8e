package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helioplan/helioplan/pkg/types"
)

// Memory implements Database in process memory. Tests use it directly and it
// doubles as the no-persistence storage provider.
type Memory struct {
	mu sync.Mutex

	settings        types.Settings
	settingsVersion int
	settingsSet     bool

	plans []types.Plan
	days  map[string]types.EnergyDay
}

// NewMemory creates an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{days: make(map[string]types.EnergyDay)}
}

// GetSettings implements Database.
func (m *Memory) GetSettings(_ context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.settingsSet {
		return types.Settings{}, 0, nil
	}
	return m.settings, m.settingsVersion, nil
}

// SetSettings implements Database.
func (m *Memory) SetSettings(_ context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.settingsVersion = version
	m.settingsSet = true
	return nil
}

// InsertPlan implements Database.
func (m *Memory) InsertPlan(_ context.Context, plan types.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, plan)
	return nil
}

// GetLatestPlan implements Database.
func (m *Memory) GetLatestPlan(_ context.Context) (types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.plans) == 0 {
		return types.Plan{}, ErrNotFound
	}
	return m.plans[len(m.plans)-1], nil
}

// GetPlanHistory implements Database.
func (m *Memory) GetPlanHistory(_ context.Context, start, end time.Time) ([]types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Plan
	for _, p := range m.plans {
		if !p.CreatedAt.Before(start) && p.CreatedAt.Before(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertEnergyDay implements Database.
func (m *Memory) UpsertEnergyDay(_ context.Context, day types.EnergyDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[day.Date.UTC().Format("2006-01-02")] = day
	return nil
}

// GetEnergyDays implements Database.
func (m *Memory) GetEnergyDays(_ context.Context, start, end time.Time) ([]types.EnergyDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.EnergyDay
	for _, d := range m.days {
		if !d.Date.Before(start) && d.Date.Before(end) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Close implements Database.
func (m *Memory) Close() error {
	return nil
}

var _ Database = (*Memory)(nil)
