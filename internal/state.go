package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// StateUpdate carries only the columns the caller wants to change. Unknown
// fields passed through from elsewhere are dropped by construction: this
// struct IS the set of writable columns.
type StateUpdate struct {
	LastEvaluatedAt  *time.Time
	CooldownUntil    *time.Time
	ConsecutiveErrors *int
	CircuitOpenUntil *time.Time
	Suspended        *bool
	LatestQPS        *float64
	LatestCapacity   *int
}

// StateStore is the per-group mutable state and append-only log
// collaborator.
//
//go:generate mockery --inpackage --name StateStore --filename mock_state_store_test.go
type StateStore interface {
	GetState(ctx context.Context, groupID int64) (GroupRuntimeState, bool, error)
	UpsertState(ctx context.Context, groupID int64, update StateUpdate) error
	// IncrementConsecutiveErrors atomically increments the counter and
	// returns its new value, so the caller can decide whether the circuit
	// breaker threshold was just crossed.
	IncrementConsecutiveErrors(ctx context.Context, groupID int64) (int, error)
	// RecordActivity inserts an activity row. inserted is false (and err is
	// nil) when the unique (resource_group_id, activity_key) constraint
	// already holds the row — a benign, idempotent skip.
	RecordActivity(ctx context.Context, activity ScalingActivity) (inserted bool, err error)
	RecordError(ctx context.Context, groupID *int64, source, message string, contextBlob []byte) error
}

// PostgresStateStore implements StateStore over a PostgreSQL pool, following
// the upsert-via-ON-CONFLICT pattern of the original DBManager
// (_examples/original_source/db_manager.py) translated to pgx.
type PostgresStateStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

func (s *PostgresStateStore) GetState(ctx context.Context, groupID int64) (GroupRuntimeState, bool, error) {
	const query = `
SELECT resource_group_id, last_evaluated_at, cooldown_until, consecutive_errors,
       circuit_open_until, suspended, latest_qps, latest_capacity
FROM resource_group_state
WHERE resource_group_id = $1
`
	row := s.pool.QueryRow(ctx, query, groupID)

	var st GroupRuntimeState
	err := row.Scan(
		&st.ResourceGroupID, &st.LastEvaluatedAt, &st.CooldownUntil, &st.ConsecutiveErrors,
		&st.CircuitOpenUntil, &st.Suspended, &st.LatestQPS, &st.LatestCapacity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupRuntimeState{}, false, nil
	}
	if err != nil {
		return GroupRuntimeState{}, false, fmt.Errorf("could not get state for group %d: %w", groupID, err)
	}

	return st, true, nil
}

// UpsertState only ever writes the documented columns; there is no freeform
// map of fields to silently filter because StateUpdate's type already
// bounds what's writable.
func (s *PostgresStateStore) UpsertState(ctx context.Context, groupID int64, update StateUpdate) error {
	columns := make([]string, 0, 7)
	values := []any{groupID}

	add := func(column string, value any) {
		columns = append(columns, column)
		values = append(values, value)
	}

	if update.LastEvaluatedAt != nil {
		add("last_evaluated_at", *update.LastEvaluatedAt)
	}
	if update.CooldownUntil != nil {
		add("cooldown_until", *update.CooldownUntil)
	}
	if update.ConsecutiveErrors != nil {
		add("consecutive_errors", *update.ConsecutiveErrors)
	}
	if update.CircuitOpenUntil != nil {
		add("circuit_open_until", *update.CircuitOpenUntil)
	}
	if update.Suspended != nil {
		add("suspended", *update.Suspended)
	}
	if update.LatestQPS != nil {
		add("latest_qps", *update.LatestQPS)
	}
	if update.LatestCapacity != nil {
		add("latest_capacity", *update.LatestCapacity)
	}

	if len(columns) == 0 {
		return nil
	}

	placeholders := make([]string, len(columns))
	setClauses := make([]string, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	query := fmt.Sprintf(`
INSERT INTO resource_group_state (resource_group_id, %s)
VALUES ($1, %s)
ON CONFLICT (resource_group_id) DO UPDATE
SET %s
`, strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(setClauses, ", "))

	if _, err := s.pool.Exec(ctx, query, values...); err != nil {
		return fmt.Errorf("could not upsert state for group %d: %w", groupID, err)
	}

	return nil
}

func (s *PostgresStateStore) IncrementConsecutiveErrors(ctx context.Context, groupID int64) (int, error) {
	const query = `
INSERT INTO resource_group_state (resource_group_id, consecutive_errors)
VALUES ($1, 1)
ON CONFLICT (resource_group_id) DO UPDATE
SET consecutive_errors = resource_group_state.consecutive_errors + 1
RETURNING consecutive_errors
`
	var count int
	if err := s.pool.QueryRow(ctx, query, groupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("could not increment consecutive_errors for group %d: %w", groupID, err)
	}
	return count, nil
}

func (s *PostgresStateStore) RecordActivity(ctx context.Context, activity ScalingActivity) (bool, error) {
	const query = `
INSERT INTO scaling_activities
	(resource_group_id, activity_key, action, status, eval_qps, eval_capacity, target_qps, response)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := s.pool.Exec(ctx, query,
		activity.ResourceGroupID, activity.ActivityKey, activity.Action, activity.Status,
		activity.EvalQPS, activity.EvalCapacity, activity.TargetQPS, activity.ResponseBlob,
	)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return false, nil
	}

	return false, fmt.Errorf("could not record scaling activity for group %d: %w", activity.ResourceGroupID, err)
}

func (s *PostgresStateStore) RecordError(ctx context.Context, groupID *int64, source, message string, contextBlob []byte) error {
	const query = `
INSERT INTO errors (resource_group_id, source, message, context)
VALUES ($1, $2, $3, $4)
`
	if _, err := s.pool.Exec(ctx, query, groupID, source, message, contextBlob); err != nil {
		return fmt.Errorf("could not record error: %w", err)
	}
	return nil
}
