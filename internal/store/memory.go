package store

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

// Memory is an in-memory Store for tests and ephemeral runs. Values are
// copied on the way in and out, so callers can never alias stored state.
type Memory struct {
	mu          sync.Mutex
	checkIns    map[string][]clinical.CheckIn
	states      map[string]longitudinal.State
	sessions    map[string]crisis.Session
	resolutions map[string][]crisis.Resolution
	pending     []PendingWrite
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkIns:    make(map[string][]clinical.CheckIn),
		states:      make(map[string]longitudinal.State),
		sessions:    make(map[string]crisis.Session),
		resolutions: make(map[string][]crisis.Resolution),
	}
}

func (m *Memory) SaveCheckIn(_ context.Context, c clinical.CheckIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkIns[c.UserRef]
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = cloneCheckIn(c)
			return nil
		}
	}
	m.checkIns[c.UserRef] = append(list, cloneCheckIn(c))
	return nil
}

func (m *Memory) CheckIns(_ context.Context, userRef string, limit int) ([]clinical.CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkIns[userRef]
	out := make([]clinical.CheckIn, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, cloneCheckIn(list[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LongitudinalState(_ context.Context, userRef string) (*longitudinal.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[userRef]
	if !ok {
		return nil, nil
	}
	cloned := st.Clone()
	return &cloned, nil
}

func (m *Memory) SaveLongitudinalState(_ context.Context, st longitudinal.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.UserRef] = st.Clone()
	return nil
}

func (m *Memory) CrisisSession(_ context.Context, userRef string) (*crisis.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userRef]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (m *Memory) ListCrisisSessions(_ context.Context) ([]crisis.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]crisis.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (m *Memory) SaveCrisisSession(_ context.Context, sess crisis.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.UserRef] = sess
	return nil
}

func (m *Memory) DeleteCrisisSession(_ context.Context, userRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userRef)
	return nil
}

func (m *Memory) AppendCrisisResolution(_ context.Context, r crisis.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[r.UserRef] = append(m.resolutions[r.UserRef], r)
	return nil
}

func (m *Memory) CrisisResolutions(_ context.Context, userRef string, limit int) ([]crisis.Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.resolutions[userRef]
	out := make([]crisis.Resolution, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendPendingWrite(_ context.Context, w PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Payload = append([]byte(nil), w.Payload...)
	m.pending = append(m.pending, w)
	return nil
}

func (m *Memory) TakePendingWrites(_ context.Context) ([]PendingWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.pending
	m.pending = nil
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

// cloneCheckIn deep-copies the pointer and slice fields of a check-in.
func cloneCheckIn(c clinical.CheckIn) clinical.CheckIn {
	if c.Assessment != nil {
		a := *c.Assessment
		a.Recommendations = append([]string(nil), a.Recommendations...)
		c.Assessment = &a
	}
	if c.Health.Sleep != nil {
		v := *c.Health.Sleep
		c.Health.Sleep = &v
	}
	if c.Health.HRV != nil {
		v := *c.Health.HRV
		c.Health.HRV = &v
	}
	if c.Health.Activity != nil {
		v := *c.Health.Activity
		c.Health.Activity = &v
	}
	return c
}
