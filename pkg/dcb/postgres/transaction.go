package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"go-dcbcore/pkg/dcb"
)

// TxHandle binds AppendIf/Scan/Project to a single transaction, so reads
// and writes issued through it observe each other exactly as spec.md's
// transaction ordering guarantee requires. It is only valid for the
// lifetime of the ExecuteInTransaction closure that received it.
type TxHandle struct {
	tx      pgx.Tx
	clock   dcb.Clock
	metrics dcb.Metrics
	cfg     dcb.Config
}

// ExecuteInTransaction is the TransactionCoordinator: it begins a
// transaction, hands fn a TxHandle bound to it, and commits on a nil
// return or rolls back otherwise. The rollback-on-every-exit-path
// guarantee is provided by a deferred tx.Rollback, which is a no-op once
// Commit has already succeeded.
func ExecuteInTransaction[R any](ctx context.Context, c *Core, fn func(ctx context.Context, h *TxHandle) (R, error)) (R, error) {
	var zero R
	tx, err := c.writePool.BeginTx(ctx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(c.cfg.DefaultAppendIsolation)})
	if err != nil {
		return zero, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "execute_in_transaction", Err: fmt.Errorf("beginning transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(ctx)

	h := &TxHandle{tx: tx, clock: c.clock, metrics: c.metrics, cfg: c.cfg}
	result, err := fn(ctx, h)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "execute_in_transaction", Err: fmt.Errorf("committing transaction: %w", err)},
			Resource:        "database",
		}
	}
	return result, nil
}

// AppendIf appends within the bound transaction. It acquires the append
// serialization lock itself whenever condition is conditional (an
// idempotency item or a non-empty stateChanged query): under READ
// COMMITTED, two concurrent transactions could otherwise both pass
// checkConflicts before either inserts, defeating the conflict check. An
// unconditional append here takes no lock, unlike the unscoped
// Core.AppendIf, which takes it for every append. The lock is transaction-
// scoped (pg_advisory_xact_lock) and re-entrant within one transaction, so
// a caller that already took it via h.Lock (to serialize a decision
// spanning more than one AppendIf call) does not wait for it again here.
func (h *TxHandle) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) ([]dcb.Event, bool, error) {
	if condition == nil {
		condition = dcb.Unconditional()
	}
	if err := validateBatch(events, h.cfg.MaxBatchSize); err != nil {
		return nil, false, err
	}

	needsLock := condition.Idempotency() != nil
	if stateChanged := condition.StateChanged(); stateChanged != nil && len(stateChanged.Items()) > 0 {
		needsLock = true
	}
	if needsLock {
		if err := h.Lock(ctx); err != nil {
			return nil, false, err
		}
	}

	if idem := condition.Idempotency(); idem != nil {
		replay, err := scanIdempotencyMatch(ctx, h.tx, idem)
		if err != nil {
			return nil, false, err
		}
		if replay != nil {
			return replay, true, nil
		}
	}

	if stateChanged := condition.StateChanged(); stateChanged != nil && len(stateChanged.Items()) > 0 {
		if err := checkConflicts(ctx, h.tx, stateChanged, condition.After(), h.metrics); err != nil {
			return nil, false, err
		}
	}

	stored, err := insertEvents(ctx, h.tx, events, h.clock)
	if err != nil {
		return nil, false, err
	}
	h.metrics.RecordAppendEvents(len(stored))
	return stored, false, nil
}

// Lock acquires the append serialization lock within the bound transaction.
// Call it before AppendIf when a caller-composed decision spans more than
// one AppendIf call and must be serialized against concurrent appenders as
// a whole.
func (h *TxHandle) Lock(ctx context.Context) error {
	if _, err := h.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", appendLockKey); err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "tx_lock", Err: fmt.Errorf("acquiring append lock: %w", err)},
			Resource:        "advisory_lock",
		}
	}
	return nil
}

// Scan reads within the bound transaction.
func (h *TxHandle) Scan(ctx context.Context, query dcb.Query, after dcb.Cursor, limit int) ([]dcb.Event, error) {
	sqlQuery, args := buildScanSQL(query, after, limit)
	rows, err := h.tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "tx_scan", Err: fmt.Errorf("querying events: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "tx_scan", Err: fmt.Errorf("scanning event row: %w", err)},
				Resource:        "database",
			}
		}
		events = append(events, row.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "tx_scan", Err: fmt.Errorf("iterating event rows: %w", err)},
			Resource:        "database",
		}
	}
	return events, nil
}

// Project folds projectors over events visible within the bound
// transaction.
func (h *TxHandle) Project(ctx context.Context, projectors []dcb.StateProjector, after dcb.Cursor) (map[string]dcb.ProjectionResult, error) {
	if len(projectors) == 0 {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "tx_project", Err: fmt.Errorf("at least one projector is required")},
			Field:           "projectors",
		}
	}
	combined := combineProjectorQueries(projectors)
	events, err := h.Scan(ctx, combined, after, 0)
	if err != nil {
		return nil, err
	}

	states := make(map[string]any, len(projectors))
	cursors := make(map[string]dcb.Cursor, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
		cursors[p.ID] = after
	}
	for _, event := range events {
		for _, p := range projectors {
			if !dcb.MatchEvent(event, p.Query) {
				continue
			}
			next, perr := applyTransition(p, states[p.ID], event)
			if perr != nil {
				return nil, perr
			}
			states[p.ID] = next
			cursors[p.ID] = event.Cursor()
		}
	}

	results := make(map[string]dcb.ProjectionResult, len(projectors))
	for _, p := range projectors {
		results[p.ID] = dcb.ProjectionResult{State: states[p.ID], Cursor: cursors[p.ID]}
	}
	return results, nil
}
