package collateral

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/status"
)

// ErrStateFinal is returned by a StateStore when a commit would move a DISABLED
// collateral back to another status.
var ErrStateFinal = errors.New("collateral: stored state is DISABLED")

// EventKind names an emitted notification.
type EventKind string

const (
	EventStatusChanged  EventKind = "CollateralStatusChanged"
	EventRewardsClaimed EventKind = "RewardsClaimed"
)

// Event is a status change or a rewards claim. Fields not relevant to Kind are zero.
type Event struct {
	Kind       EventKind
	RunID      uuid.UUID
	Collateral common.Address
	At         time.Time

	OldStatus status.Status
	NewStatus status.Status
	Reason    string

	RewardToken common.Address
	Amount      decimal.Decimal
	ProgramID   *big.Int
}

// EventSink receives emitted events. Delivery failures are logged, never propagated.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Snapshot is the cached outcome of one refresh.
type Snapshot struct {
	RunID       uuid.UUID
	Collateral  common.Address
	At          time.Time
	State       status.DefaultState
	RefPerTok   decimal.Decimal
	Price       decimal.Decimal
	StrictPrice decimal.Decimal
	Deviation   decimal.Decimal
	OffPeg      bool
	PriceError  string
	Reason      string
}

// RefreshObserver is told about every refresh attempt once its outcome is final.
// A non-nil err means snap was discarded, including when the commit failed.
type RefreshObserver interface {
	ObserveRefresh(snap Snapshot, err error)
}

// StateStore persists snapshots and events so a restarted keeper resumes the same default timer.
type StateStore interface {
	LoadSnapshot(ctx context.Context, collateral common.Address) (Snapshot, bool, error)
	// CommitRefresh stores the snapshot and its events atomically. It fails with
	// ErrStateFinal instead of replacing a DISABLED state with another status.
	CommitRefresh(ctx context.Context, snap Snapshot, events []Event) error
	RecordEvent(ctx context.Context, event Event) error
}

// Clock supplies the current time; the keeper may use chain time.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// ManualClock is advanced explicitly. Used by the simulator and tests.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock starts at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

// Now returns the current manual time.
func (m *ManualClock) Now(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t, nil
}

// Advance moves the clock forward by d.
func (m *ManualClock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
	return m.t
}
