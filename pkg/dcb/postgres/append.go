package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"go-dcbcore/pkg/dcb"
)

const appendLockKey = "dcb:append"

// AppendIf is the DCBEngine's conditional append: idempotency check, then
// conflict check, then allocate-and-persist, all inside one transaction
// serialized by a transaction-scoped Postgres advisory lock. The lock
// releases automatically on commit or rollback.
//
// replayed reports whether condition's idempotency criterion already
// matched: in that case events is the set of previously stored events that
// satisfied it, and nothing new was appended.
func (c *Core) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) (stored []dcb.Event, replayed bool, err error) {
	if condition == nil {
		condition = dcb.Unconditional()
	}
	if err := validateBatch(events, c.cfg.MaxBatchSize); err != nil {
		return nil, false, err
	}

	if idem := condition.Idempotency(); idem != nil {
		key := idempotencyKey(idem)
		v, sfErr, _ := c.idempotencyGroup.Do(key, func() (any, error) {
			return c.appendIfTx(ctx, events, condition)
		})
		if sfErr != nil {
			return nil, false, sfErr
		}
		res := v.(appendResult)
		return res.events, res.replayed, nil
	}

	res, err := c.appendIfTx(ctx, events, condition)
	if err != nil {
		return nil, false, err
	}
	return res.events, res.replayed, nil
}

type appendResult struct {
	events   []dcb.Event
	replayed bool
}

func (c *Core) appendIfTx(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) (appendResult, error) {
	start := c.clock.Now()
	appendCtx, cancel := withTimeout(ctx, c.cfg.AppendTimeout)
	defer cancel()

	tx, err := c.writePool.BeginTx(appendCtx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(c.cfg.DefaultAppendIsolation)})
	if err != nil {
		return appendResult{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("beginning transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(appendCtx, "SELECT pg_advisory_xact_lock(hashtext($1))", appendLockKey); err != nil {
		return appendResult{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("acquiring append lock: %w", err)},
			Resource:        "advisory_lock",
		}
	}

	if idem := condition.Idempotency(); idem != nil {
		replay, err := scanIdempotencyMatch(appendCtx, tx, idem)
		if err != nil {
			return appendResult{}, err
		}
		if replay != nil {
			return appendResult{events: replay, replayed: true}, nil
		}
	}

	if stateChanged := condition.StateChanged(); stateChanged != nil && len(stateChanged.Items()) > 0 {
		if err := checkConflicts(appendCtx, tx, stateChanged, condition.After(), c.metrics); err != nil {
			return appendResult{}, err
		}
	}

	stored, err := insertEvents(appendCtx, tx, events, c.clock)
	if err != nil {
		return appendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return appendResult{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("committing transaction: %w", err)},
			Resource:        "database",
		}
	}

	c.metrics.RecordAppendDuration(c.clock.Now().Sub(start))
	c.metrics.RecordAppendEvents(len(stored))
	return appendResult{events: stored, replayed: false}, nil
}

func scanIdempotencyMatch(ctx context.Context, tx pgx.Tx, idem dcb.QueryItem) ([]dcb.Event, error) {
	sqlQuery, args := idempotencyProbeSQL(idem)
	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("checking idempotency: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	var matches []dcb.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("scanning idempotency match: %w", err)},
				Resource:        "database",
			}
		}
		matches = append(matches, row.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("iterating idempotency matches: %w", err)},
			Resource:        "database",
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}

func checkConflicts(ctx context.Context, tx pgx.Tx, stateChanged dcb.Query, after dcb.Cursor, metrics dcb.Metrics) error {
	var matchingCount int
	var firstConflictingPosition int64
	seen := make(map[int64]bool)
	cursor := after

	for _, item := range stateChanged.Items() {
		sqlQuery, args := conflictProbeSQL(item, cursor)
		rows, err := tx.Query(ctx, sqlQuery, args...)
		if err != nil {
			return &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("checking conflicts: %w", err)},
				Resource:        "database",
			}
		}
		for rows.Next() {
			var position int64
			if err := rows.Scan(&position); err != nil {
				rows.Close()
				return &dcb.ResourceError{
					EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("scanning conflict position: %w", err)},
					Resource:        "database",
				}
			}
			if seen[position] {
				continue
			}
			seen[position] = true
			if matchingCount == 0 || position < firstConflictingPosition {
				firstConflictingPosition = position
			}
			matchingCount++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("iterating conflicts: %w", err)},
				Resource:        "database",
			}
		}
	}

	if matchingCount > 0 {
		metrics.RecordConcurrencyConflict()
		return &dcb.ConcurrencyError{
			EventStoreError:          dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("%d event(s) matching the decision's stateChanged query were committed after its cursor", matchingCount)},
			MatchingCount:            matchingCount,
			FirstConflictingPosition: firstConflictingPosition,
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []dcb.InputEvent, clock dcb.Clock) ([]dcb.Event, error) {
	batch := &pgx.Batch{}
	now := clock.Now()
	for _, e := range events {
		batch.Queue(
			`INSERT INTO events (type, tags, data, occurred_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING transaction_id, position`,
			e.Type(), dcb.TagsToStrings(e.Tags()), e.Data(), now,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	stored := make([]dcb.Event, 0, len(events))
	for _, e := range events {
		var transactionID uint64
		var position int64
		if err := br.QueryRow().Scan(&transactionID, &position); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("inserting event: %w", err)},
				Resource:        "database",
			}
		}
		stored = append(stored, dcb.Event{
			Type:          e.Type(),
			Tags:          e.Tags(),
			Data:          e.Data(),
			Position:      position,
			TransactionID: transactionID,
			OccurredAt:    now,
		})
	}
	return stored, nil
}

func toPgxIsoLevel(level dcb.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case dcb.IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case dcb.IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func validateBatch(events []dcb.InputEvent, maxBatchSize int) error {
	if len(events) == 0 {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("events slice must not be empty")},
			Field:           "events",
			Value:           "empty",
		}
	}
	if len(events) > maxBatchSize {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "append_if", Err: fmt.Errorf("batch of %d events exceeds max batch size %d", len(events), maxBatchSize)},
			Field:           "events",
			Value:           fmt.Sprintf("%d", len(events)),
		}
	}
	return nil
}

// idempotencyKey renders item as a singleflight.Group key. Each component is
// quoted with strconv.Quote before being joined so that a value containing
// the "t:"/"g:"/";" markers can never be mistaken for a token boundary and
// collide with an unrelated item's key.
func idempotencyKey(item dcb.QueryItem) string {
	s := ""
	for _, t := range item.EventTypes() {
		s += "t:" + strconv.Quote(t) + ";"
	}
	for _, tag := range dcb.TagsToStrings(item.Tags()) {
		s += "g:" + strconv.Quote(tag) + ";"
	}
	return s
}
