package ingest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
)

// memoryUnits is a UnitStore with the semantics of the Postgres ledger.
type memoryUnits struct {
	mu       sync.Mutex
	units    map[string]*Unit
	runSeq   map[string]int
	now      func() time.Time
	peak     map[string]int
	failNext error
}

var _ UnitStore = (*memoryUnits)(nil)

func newMemoryUnits() *memoryUnits {
	return &memoryUnits{
		units:  make(map[string]*Unit),
		runSeq: make(map[string]int),
		now:    time.Now,
		peak:   make(map[string]int),
	}
}

func (m *memoryUnits) CreateUnits(ctx context.Context, units []Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.insertLocked(units)
	return nil
}

func (m *memoryUnits) insertLocked(units []Unit) {
	for _, u := range units {
		if _, ok := m.units[u.ID]; ok {
			continue
		}
		if _, ok := m.runSeq[u.RunID]; !ok {
			m.runSeq[u.RunID] = len(m.runSeq) + 1
		}
		u.State = StateQueued
		cp := u
		m.units[u.ID] = &cp
	}
}

func (m *memoryUnits) GetUnit(ctx context.Context, id string) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return Unit{}, apperr.NotFound("memoryUnits.GetUnit", fmt.Errorf("unit %s", id))
	}
	return *u, nil
}

func (m *memoryUnits) ClaimUnit(ctx context.Context, id string, ceiling int, staleAfter time.Duration) (Unit, ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return Unit{}, ClaimSkip, apperr.NotFound("memoryUnits.ClaimUnit", fmt.Errorf("unit %s", id))
	}
	now := m.now()
	if u.State.Terminal() {
		return *u, ClaimSkip, nil
	}
	if u.State == StateRunning && now.Sub(u.UpdatedAt) < staleAfter {
		return *u, ClaimSkip, nil
	}
	running := 0
	for _, other := range m.units {
		if other.ID != u.ID && other.DocumentID == u.DocumentID && other.State == StateRunning {
			running++
		}
	}
	if running >= ceiling {
		return *u, ClaimBusy, nil
	}
	u.State = StateRunning
	u.Attempts++
	u.UpdatedAt = now
	m.peak[u.DocumentID] = max(m.peak[u.DocumentID], running+1)
	return *u, ClaimAcquired, nil
}

func (m *memoryUnits) setState(id string, state UnitState, reason string, from ...UnitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(id, state, reason, from...)
}

func (m *memoryUnits) setStateLocked(id string, state UnitState, reason string, from ...UnitState) error {
	u, ok := m.units[id]
	if !ok {
		return apperr.NotFound("memoryUnits", fmt.Errorf("unit %s", id))
	}
	if !slices.Contains(from, u.State) {
		return fmt.Errorf("unit %s is %s: %w", id, u.State, ErrUnitSettled)
	}
	u.State = state
	u.LastError = reason
	u.UpdatedAt = m.now()
	return nil
}

func (m *memoryUnits) CompleteUnit(ctx context.Context, id string, derived []Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStateLocked(id, StateSucceeded, "", StateRunning); err != nil {
		return err
	}
	m.insertLocked(derived)
	return nil
}

func (m *memoryUnits) RetryUnit(ctx context.Context, id string, reason string) error {
	return m.setState(id, StateQueued, reason, StateRunning)
}

func (m *memoryUnits) ReleaseUnit(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStateLocked(id, StateQueued, "", StateRunning); err != nil {
		return err
	}
	u := m.units[id]
	u.Attempts = max(u.Attempts-1, 0)
	return nil
}

func (m *memoryUnits) FailUnit(ctx context.Context, id string, reason string) error {
	return m.setState(id, StateFailed, reason, StateQueued, StateRunning)
}

func (m *memoryUnits) abandon(match func(*Unit) bool, states ...UnitState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.units {
		if slices.Contains(states, u.State) && match(u) {
			u.State = StateAbandoned
			n++
		}
	}
	return n
}

func (m *memoryUnits) AbandonRun(ctx context.Context, runID string) (int, error) {
	return m.abandon(func(u *Unit) bool { return u.RunID == runID }, StateQueued), nil
}

func (m *memoryUnits) AbandonDocument(ctx context.Context, documentID string) (int, error) {
	return m.abandon(func(u *Unit) bool { return u.DocumentID == documentID }, StateQueued, StateRunning), nil
}

func (m *memoryUnits) AbandonQueued(ctx context.Context) (int, error) {
	return m.abandon(func(*Unit) bool { return true }, StateQueued), nil
}

func (m *memoryUnits) CountUnits(ctx context.Context, documentID string) (util.UnitCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest, seq := "", 0
	for _, u := range m.units {
		if u.DocumentID == documentID && m.runSeq[u.RunID] > seq {
			latest, seq = u.RunID, m.runSeq[u.RunID]
		}
	}
	var c util.UnitCounts
	for _, u := range m.units {
		if u.RunID != latest || u.DocumentID != documentID {
			continue
		}
		switch u.State {
		case StateQueued:
			c.Queued++
		case StateRunning:
			c.Running++
		case StateSucceeded:
			c.Succeeded++
		case StateFailed:
			c.Failed++
		case StateAbandoned:
			c.Abandoned++
		}
	}
	return c, nil
}

func (m *memoryUnits) ListStale(ctx context.Context, olderThan, staleAfter time.Duration, limit int) ([]Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Unit
	for _, u := range m.units {
		switch {
		case u.State == StateQueued && now.Sub(u.UpdatedAt) >= olderThan,
			u.State == StateRunning && now.Sub(u.UpdatedAt) >= staleAfter:
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// byKind lists units of one kind, ordered by position.
func (m *memoryUnits) byKind(kind UnitKind) []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Unit
	for _, u := range m.units {
		if u.Kind == kind {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageIndex != out[j].PageIndex {
			return out[i].PageIndex < out[j].PageIndex
		}
		return out[i].ChildIndex < out[j].ChildIndex
	})
	return out
}

func (m *memoryUnits) peakRunning(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak[documentID]
}
