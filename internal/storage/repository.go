package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/status"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertStateSQL = `INSERT INTO collateral_state (
        collateral,
        run_id,
        status,
        when_default,
        last_sound_ref_per_tok,
        last_sound_at,
        ref_per_tok,
        price,
        strict_price,
        deviation,
        off_peg,
        price_error,
        reason,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (collateral) DO UPDATE
    SET
        run_id                 = EXCLUDED.run_id,
        status                 = EXCLUDED.status,
        when_default           = EXCLUDED.when_default,
        last_sound_ref_per_tok = EXCLUDED.last_sound_ref_per_tok,
        last_sound_at          = EXCLUDED.last_sound_at,
        ref_per_tok            = EXCLUDED.ref_per_tok,
        price                  = EXCLUDED.price,
        strict_price           = EXCLUDED.strict_price,
        deviation              = EXCLUDED.deviation,
        off_peg                = EXCLUDED.off_peg,
        price_error            = EXCLUDED.price_error,
        reason                 = EXCLUDED.reason,
        observed_at            = EXCLUDED.observed_at,
        updated_at             = now()
    WHERE collateral_state.status <> 'DISABLED' OR EXCLUDED.status = 'DISABLED';`

	selectStateSQL = `SELECT
        run_id,
        status,
        when_default,
        last_sound_ref_per_tok,
        last_sound_at,
        ref_per_tok,
        price,
        strict_price,
        deviation,
        off_peg,
        price_error,
        reason,
        observed_at
    FROM collateral_state
    WHERE collateral = $1;`

	insertSampleSQL = `INSERT INTO refresh_samples (
        run_id,
        collateral,
        observed_at,
        status,
        when_default,
        ref_per_tok,
        price,
        strict_price,
        deviation,
        off_peg,
        price_error,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (run_id) DO NOTHING;`

	sampleColumns = `id,
        run_id,
        collateral,
        observed_at,
        status,
        when_default,
        ref_per_tok,
        price,
        strict_price,
        deviation,
        off_peg,
        price_error,
        reason,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM refresh_samples
    WHERE collateral = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at
    LIMIT $4;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM refresh_samples
    WHERE collateral = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	countSamplesSQL = `SELECT COUNT(*) FROM refresh_samples WHERE collateral = $1;`

	insertEventSQL = `INSERT INTO collateral_events (
        run_id,
        collateral,
        kind,
        occurred_at,
        old_status,
        new_status,
        reason,
        reward_token,
        amount,
        program_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	listRecentEventsSQL = `SELECT
        id,
        run_id,
        collateral,
        kind,
        occurred_at,
        old_status,
        new_status,
        reason,
        reward_token,
        amount,
        program_id,
        created_at
    FROM collateral_events
    WHERE collateral = $1
    ORDER BY occurred_at DESC, id DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// HistoryReader lists persisted refreshes and events for reporting.
type HistoryReader interface {
	ListSamplesBetween(ctx context.Context, collateral common.Address, from, to time.Time, limit int) ([]SampleRecord, error)
	ListRecentSamples(ctx context.Context, collateral common.Address, limit int) ([]SampleRecord, error)
	ListRecentEvents(ctx context.Context, collateral common.Address, limit int) ([]EventRecord, error)
	CountSamples(ctx context.Context, collateral common.Address) (int64, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists collateral state, refresh history and events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is held on a dedicated connection until the release func runs.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// The session lock dies with the connection; drop it rather than return it to the pool.
			conn.Hijack().Close(ctxUnlock)
			return
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadSnapshot returns the committed state of a collateral, if any.
func (s *Store) LoadSnapshot(ctx context.Context, token common.Address) (collateral.Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return collateral.Snapshot{}, false, err
	}

	var row stateRow
	scanErr := pool.QueryRow(ctx, selectStateSQL, addressKey(token)).Scan(
		&row.RunID,
		&row.Status,
		&row.WhenDefault,
		&row.LastSoundRefPerTok,
		&row.LastSoundAt,
		&row.RefPerTok,
		&row.Price,
		&row.StrictPrice,
		&row.Deviation,
		&row.OffPeg,
		&row.PriceError,
		&row.Reason,
		&row.ObservedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return collateral.Snapshot{}, false, nil
	}
	if scanErr != nil {
		return collateral.Snapshot{}, false, fmt.Errorf("load state: %w", scanErr)
	}

	snap, err := row.snapshot(token)
	if err != nil {
		return collateral.Snapshot{}, false, err
	}
	return snap, true, nil
}

// CommitRefresh writes the state, the refresh sample and its events in one transaction.
func (s *Store) CommitRefresh(ctx context.Context, snap collateral.Snapshot, events []collateral.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refresh commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, upsertStateSQL, stateArgs(snap)...)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert state as %s: %w", snap.State.Status, collateral.ErrStateFinal)
	}
	if _, err := tx.Exec(ctx, insertSampleSQL, sampleArgs(snap)...); err != nil {
		return fmt.Errorf("insert refresh sample: %w", err)
	}
	for _, event := range events {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refresh: %w", err)
	}
	return nil
}

// RecordEvent persists a standalone event such as a rewards claim.
func (s *Store) RecordEvent(ctx context.Context, event collateral.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return insertEvent(ctx, pool, event)
}

func insertEvent(ctx context.Context, db execer, event collateral.Event) error {
	if _, err := db.Exec(ctx, insertEventSQL, eventArgs(event)...); err != nil {
		return fmt.Errorf("insert event %s: %w", event.Kind, err)
	}
	return nil
}

// ListSamplesBetween lists refreshes within a time window, oldest first.
func (s *Store) ListSamplesBetween(ctx context.Context, token common.Address, from, to time.Time, limit int) ([]SampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, addressKey(token), from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent refreshes, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, token common.Address, limit int) ([]SampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, addressKey(token), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, limit)
}

// CountSamples counts stored refreshes of a collateral.
func (s *Store) CountSamples(ctx context.Context, token common.Address) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL, addressKey(token)).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// ListRecentEvents lists the most recent events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, token common.Address, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, addressKey(token), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec         EventRecord
			oldStatus   sql.NullString
			newStatus   sql.NullString
			reason      sql.NullString
			rewardToken sql.NullString
			amountStr   *string
			programID   *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Collateral,
			&rec.Kind,
			&rec.OccurredAt,
			&oldStatus,
			&newStatus,
			&reason,
			&rewardToken,
			&amountStr,
			&programID,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.OldStatus = nullString(oldStatus)
		rec.NewStatus = nullString(newStatus)
		rec.Reason = nullString(reason)
		rec.RewardToken = nullString(rewardToken)
		rec.ProgramID = programID
		if amountStr != nil {
			amount, err := decimal.NewFromString(*amountStr)
			if err != nil {
				return nil, fmt.Errorf("parse amount: %w", err)
			}
			rec.Amount = &amount
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]SampleRecord, error) {
	samples := make([]SampleRecord, 0, capacity)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (SampleRecord, error) {
	var (
		rec          SampleRecord
		whenDefault  *time.Time
		refPerTokStr string
		priceStr     string
		strictStr    string
		deviationStr string
		priceError   sql.NullString
		reason       sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Collateral,
		&rec.ObservedAt,
		&rec.Status,
		&whenDefault,
		&refPerTokStr,
		&priceStr,
		&strictStr,
		&deviationStr,
		&rec.OffPeg,
		&priceError,
		&reason,
		&rec.CreatedAt,
	); err != nil {
		return SampleRecord{}, err
	}

	values, err := parseDecimals(refPerTokStr, priceStr, strictStr, deviationStr)
	if err != nil {
		return SampleRecord{}, err
	}
	rec.RefPerTok, rec.Price, rec.StrictPrice, rec.Deviation = values[0], values[1], values[2], values[3]
	rec.WhenDefault = whenDefault
	rec.PriceError = nullString(priceError)
	rec.Reason = nullString(reason)
	return rec, nil
}

// stateRow mirrors a collateral_state row before conversion.
type stateRow struct {
	RunID              uuid.UUID
	Status             string
	WhenDefault        *time.Time
	LastSoundRefPerTok *string
	LastSoundAt        *time.Time
	RefPerTok          string
	Price              string
	StrictPrice        string
	Deviation          string
	OffPeg             bool
	PriceError         sql.NullString
	Reason             sql.NullString
	ObservedAt         time.Time
}

func (r stateRow) snapshot(token common.Address) (collateral.Snapshot, error) {
	st, err := status.Parse(r.Status)
	if err != nil {
		return collateral.Snapshot{}, fmt.Errorf("parse status: %w", err)
	}
	values, err := parseDecimals(r.RefPerTok, r.Price, r.StrictPrice, r.Deviation)
	if err != nil {
		return collateral.Snapshot{}, err
	}

	state := status.DefaultState{Status: st}
	if r.WhenDefault != nil {
		state.WhenDefault = r.WhenDefault.UTC()
	}
	if r.LastSoundRefPerTok != nil {
		rate, err := decimal.NewFromString(*r.LastSoundRefPerTok)
		if err != nil {
			return collateral.Snapshot{}, fmt.Errorf("parse last sound rate: %w", err)
		}
		sample := peg.Sample{RefPerTok: rate}
		if r.LastSoundAt != nil {
			sample.ObservedAt = r.LastSoundAt.UTC()
		}
		state.LastSound = &sample
	}

	return collateral.Snapshot{
		RunID:       r.RunID,
		Collateral:  token,
		At:          r.ObservedAt.UTC(),
		State:       state,
		RefPerTok:   values[0],
		Price:       values[1],
		StrictPrice: values[2],
		Deviation:   values[3],
		OffPeg:      r.OffPeg,
		PriceError:  r.PriceError.String,
		Reason:      r.Reason.String,
	}, nil
}

func stateArgs(snap collateral.Snapshot) []any {
	var lastRate, lastAt any
	if snap.State.LastSound != nil {
		lastRate = snap.State.LastSound.RefPerTok.String()
		lastAt = snap.State.LastSound.ObservedAt
	}
	return []any{
		addressKey(snap.Collateral),
		snap.RunID,
		snap.State.Status.String(),
		optionalTime(snap.State.WhenDefault),
		lastRate,
		lastAt,
		snap.RefPerTok.String(),
		snap.Price.String(),
		snap.StrictPrice.String(),
		snap.Deviation.String(),
		snap.OffPeg,
		optionalString(snap.PriceError),
		optionalString(snap.Reason),
		snap.At,
	}
}

func sampleArgs(snap collateral.Snapshot) []any {
	return []any{
		snap.RunID,
		addressKey(snap.Collateral),
		snap.At,
		snap.State.Status.String(),
		optionalTime(snap.State.WhenDefault),
		snap.RefPerTok.String(),
		snap.Price.String(),
		snap.StrictPrice.String(),
		snap.Deviation.String(),
		snap.OffPeg,
		optionalString(snap.PriceError),
		optionalString(snap.Reason),
	}
}

func eventArgs(event collateral.Event) []any {
	var (
		oldStatus, newStatus any
		rewardToken, amount  any
		programID            any
	)
	switch event.Kind {
	case collateral.EventStatusChanged:
		oldStatus = event.OldStatus.String()
		newStatus = event.NewStatus.String()
	case collateral.EventRewardsClaimed:
		rewardToken = addressKey(event.RewardToken)
		amount = event.Amount.String()
		if event.ProgramID != nil {
			programID = event.ProgramID.String()
		}
	}
	return []any{
		event.RunID,
		addressKey(event.Collateral),
		string(event.Kind),
		event.At,
		oldStatus,
		newStatus,
		optionalString(event.Reason),
		rewardToken,
		amount,
		programID,
	}
}

func addressKey(addr common.Address) string {
	return addr.Hex()
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

var (
	_ collateral.StateStore = (*Store)(nil)
	_ AdvisoryLocker        = (*Store)(nil)
	_ HistoryReader         = (*Store)(nil)
)
