package saga

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository persists saga records. The conditional UPDATE methods return
// whether a row changed; the status and step guards in the WHERE clauses
// are what make concurrent redeliveries safe.
type Repository interface {
	Insert(ctx context.Context, sg Saga) error
	Get(ctx context.Context, id uuid.UUID) (Saga, error)
	Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	// Advance moves current_step from fromStep to nextStep with the merged
	// payload, only while running.
	Advance(ctx context.Context, id uuid.UUID, fromStep, nextStep int, payload json.RawMessage, at time.Time) (bool, error)
	// Transition moves status from one of the expected values, optionally
	// recording a failure reason and final payload.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, reason string, payload json.RawMessage, at time.Time) (bool, error)
	// ListStalled returns non-terminal sagas whose heartbeat predates their
	// own timeout relative to now.
	ListStalled(ctx context.Context, now time.Time) ([]Saga, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const sagaColumns = `id, type, steps, current_step, status, payload, trace_id, initiated_by, failure_reason, timeout_seconds, created_at, updated_at, heartbeat_at`

func scanSaga(row pgx.Row) (Saga, error) {
	var sg Saga
	var steps []string
	var timeoutSeconds int64
	err := row.Scan(&sg.ID, &sg.Type, &steps, &sg.CurrentStep, &sg.Status, &sg.Payload,
		&sg.TraceID, &sg.InitiatedBy, &sg.FailureReason, &timeoutSeconds,
		&sg.CreatedAt, &sg.UpdatedAt, &sg.HeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Saga{}, shared.ErrNotFound
		}
		return Saga{}, err
	}
	sg.Steps = steps
	sg.Timeout = time.Duration(timeoutSeconds) * time.Second
	return sg, nil
}

func (r *repository) Insert(ctx context.Context, sg Saga) error {
	_, err := r.db.Exec(ctx, `INSERT INTO sagas
(id, type, steps, current_step, status, payload, trace_id, initiated_by, failure_reason, timeout_seconds, created_at, updated_at, heartbeat_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,$11)`,
		sg.ID, sg.Type, sg.Steps, sg.CurrentStep, sg.Status, sg.Payload,
		sg.TraceID, sg.InitiatedBy, sg.FailureReason, int64(sg.Timeout/time.Second), sg.CreatedAt)
	return err
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (Saga, error) {
	return scanSaga(r.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id=$1`, id))
}

func (r *repository) Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE sagas SET heartbeat_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) Advance(ctx context.Context, id uuid.UUID, fromStep, nextStep int, payload json.RawMessage, at time.Time) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE sagas SET current_step=$3, payload=$4, updated_at=$5, heartbeat_at=$5
WHERE id=$1 AND status='running' AND current_step=$2`, id, fromStep, nextStep, payload, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, reason string, payload json.RawMessage, at time.Time) (bool, error) {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	var (
		cmd pgconn.CommandTag
		err error
	)
	if payload != nil {
		cmd, err = r.db.Exec(ctx, `UPDATE sagas SET status=$3, failure_reason=$4, payload=$5, updated_at=$6
WHERE id=$1 AND status = ANY($2)`, id, states, to, reason, payload, at)
	} else {
		cmd, err = r.db.Exec(ctx, `UPDATE sagas SET status=$3, failure_reason=$4, updated_at=$5
WHERE id=$1 AND status = ANY($2)`, id, states, to, reason, at)
	}
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *repository) ListStalled(ctx context.Context, now time.Time) ([]Saga, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sagaColumns+` FROM sagas
WHERE status IN ('running','compensating')
AND heartbeat_at < $1 - (timeout_seconds * interval '1 second')
ORDER BY heartbeat_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// joinSteps renders a step sequence for log lines.
func joinSteps(steps []string) string {
	return strings.Join(steps, " > ")
}
