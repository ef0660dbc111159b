package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SampleRecord is one persisted refresh outcome.
type SampleRecord struct {
	ID          int64
	RunID       uuid.UUID
	Collateral  string
	ObservedAt  time.Time
	Status      string
	WhenDefault *time.Time
	RefPerTok   decimal.Decimal
	Price       decimal.Decimal
	StrictPrice decimal.Decimal
	Deviation   decimal.Decimal
	OffPeg      bool
	PriceError  *string
	Reason      *string
	CreatedAt   time.Time
}

// EventRecord is a persisted status change or rewards claim.
type EventRecord struct {
	ID          int64
	RunID       uuid.UUID
	Collateral  string
	Kind        string
	OccurredAt  time.Time
	OldStatus   *string
	NewStatus   *string
	Reason      *string
	RewardToken *string
	Amount      *decimal.Decimal
	ProgramID   *string
	CreatedAt   time.Time
}
