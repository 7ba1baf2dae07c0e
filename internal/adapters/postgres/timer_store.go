package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/database"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// TimerStore persists scheduler timer records in PostgreSQL. The
// generation column makes mark-processed a compare-and-set, so a stale
// in-memory timer armed before a reschedule cannot claim the firing.
type TimerStore struct {
	db     *database.PostgreSQLAdapter
	logger *zap.Logger
}

var _ ports.TimerStore = (*TimerStore)(nil)

// NewTimerStore creates a PostgreSQL-backed timer store.
func NewTimerStore(db *database.PostgreSQLAdapter, logger *zap.Logger) *TimerStore {
	return &TimerStore{db: db, logger: logger}
}

func (s *TimerStore) UpsertTimer(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) (int, error) {
	var generation int
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO order_timers (order_id, provider, due_at, is_retry, processed, failed, generation)
		VALUES ($1, $2, $3, $4, false, false, 1)
		ON CONFLICT (order_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			due_at = EXCLUDED.due_at,
			is_retry = EXCLUDED.is_retry,
			processed = false,
			failed = false,
			generation = order_timers.generation + 1,
			modified_at = now()
		RETURNING generation`,
		orderID, provider, dueAt, isRetry,
	).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("upsert timer: %w", err)
	}
	return generation, nil
}

func (s *TimerStore) GetTimer(ctx context.Context, orderID int64) (*ports.TimerRecord, error) {
	var rec ports.TimerRecord
	err := s.db.Pool().QueryRow(ctx, `
		SELECT order_id, provider, due_at, is_retry, processed, failed, generation
		FROM order_timers WHERE order_id = $1`, orderID,
	).Scan(&rec.OrderID, &rec.Provider, &rec.DueAt, &rec.IsRetry, &rec.Processed, &rec.Failed, &rec.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timer: %w", err)
	}
	return &rec, nil
}

// MarkTimerProcessed flips processed=true iff the record still carries the
// given generation and nobody beat us to it. Reports whether this caller
// won the firing.
func (s *TimerStore) MarkTimerProcessed(ctx context.Context, orderID int64, generation int) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE order_timers SET processed = true, modified_at = now()
		WHERE order_id = $1 AND generation = $2 AND processed = false`,
		orderID, generation,
	)
	if err != nil {
		return false, fmt.Errorf("mark timer processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *TimerStore) MarkTimerFailed(ctx context.Context, orderID int64) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE order_timers SET failed = true, modified_at = now()
		WHERE order_id = $1`, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark timer failed: %w", err)
	}
	return nil
}

func (s *TimerStore) DeleteTimer(ctx context.Context, orderID int64) error {
	_, err := s.db.Pool().Exec(ctx,
		`DELETE FROM order_timers WHERE order_id = $1`, orderID,
	)
	if err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

func (s *TimerStore) ListPendingTimers(ctx context.Context) ([]ports.TimerRecord, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT order_id, provider, due_at, is_retry, processed, failed, generation
		FROM order_timers
		WHERE processed = false AND failed = false
		ORDER BY due_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending timers: %w", err)
	}
	defer rows.Close()

	var records []ports.TimerRecord
	for rows.Next() {
		var rec ports.TimerRecord
		if err := rows.Scan(&rec.OrderID, &rec.Provider, &rec.DueAt, &rec.IsRetry, &rec.Processed, &rec.Failed, &rec.Generation); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
