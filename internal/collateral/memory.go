package collateral

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"collateral-keeper/internal/status"
)

// MemoryStore keeps snapshots and events in process. It backs the simulator and
// keeper runs without a database.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[common.Address]Snapshot
	history   []Snapshot
	events    []Event
	failNext  error
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[common.Address]Snapshot)}
}

// FailNextCommit makes the next CommitRefresh return err without storing anything.
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("memory store: commit failed")
	}
	m.failNext = err
}

// LoadSnapshot returns the latest snapshot for collateral.
func (m *MemoryStore) LoadSnapshot(ctx context.Context, collateral common.Address) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[collateral]
	if ok {
		snap.State = snap.State.Clone()
	}
	return snap, ok, nil
}

// CommitRefresh stores the snapshot and appends its events. A DISABLED snapshot is never replaced by another status.
func (m *MemoryStore) CommitRefresh(ctx context.Context, snap Snapshot, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if prev, ok := m.snapshots[snap.Collateral]; ok && prev.State.Status == status.Disabled && snap.State.Status != status.Disabled {
		return ErrStateFinal
	}
	snap.State = snap.State.Clone()
	m.snapshots[snap.Collateral] = snap
	m.history = append(m.history, snap)
	m.events = append(m.events, events...)
	return nil
}

// RecordEvent appends a standalone event.
func (m *MemoryStore) RecordEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// History returns committed snapshots in order.
func (m *MemoryStore) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Events returns recorded events in order.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

var _ StateStore = (*MemoryStore)(nil)
