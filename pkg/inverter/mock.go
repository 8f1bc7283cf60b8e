package inverter

import (
	"context"
	"sync"

	"github.com/helioplan/helioplan/pkg/types"
)

// Mock implements Controller in memory. Tests and dry-run wiring use it.
type Mock struct {
	mu      sync.Mutex
	state   State
	applied []types.ScheduleDelta

	// ReadErr and ApplyErr force failures when set.
	ReadErr  error
	ApplyErr error
}

// NewMock creates a mock inverter with the given snapshot.
func NewMock(state State) *Mock {
	return &Mock{state: state}
}

// ReadState implements Controller.
func (m *Mock) ReadState(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return State{}, m.ReadErr
	}
	return m.state, nil
}

// Apply implements Controller.
func (m *Mock) Apply(_ context.Context, delta types.ScheduleDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return m.ApplyErr
	}
	m.applied = append(m.applied, delta)
	return nil
}

// SetState replaces the snapshot.
func (m *Mock) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// Applied returns every delta applied so far.
func (m *Mock) Applied() []types.ScheduleDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ScheduleDelta(nil), m.applied...)
}

var _ Controller = (*Mock)(nil)
