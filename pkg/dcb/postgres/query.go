package postgres

import (
	"context"
	"fmt"

	"go-dcbcore/pkg/dcb"
)

// Scan is the EventLog's read operation: up to limit events matching query,
// committed strictly after after, oldest first. query may be dcb.NewQueryAll
// to read the whole log. limit <= 0 means unbounded; callers that want
// restartable pagination should pass a positive limit and re-invoke with
// after set to the cursor of the last event returned.
func (c *Core) Scan(ctx context.Context, query dcb.Query, after dcb.Cursor, limit int) ([]dcb.Event, error) {
	start := c.clock.Now()
	readCtx, cancel := withTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	sqlQuery, args := buildScanSQL(query, after, limit)
	rows, err := c.readPoolOrWrite().Query(readCtx, sqlQuery, args...)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "scan", Err: fmt.Errorf("querying events: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "scan", Err: fmt.Errorf("scanning event row: %w", err)},
				Resource:        "database",
			}
		}
		events = append(events, row.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "scan", Err: fmt.Errorf("iterating event rows: %w", err)},
			Resource:        "database",
		}
	}

	c.metrics.RecordReadDuration(c.clock.Now().Sub(start))
	c.metrics.RecordReadEvents(len(events))
	return events, nil
}

// ScanStream is Scan's channel-based counterpart, for large result sets. It
// uses the caller's own context directly (not the configured QueryTimeout)
// so the caller controls how long the stream may run.
func (c *Core) ScanStream(ctx context.Context, query dcb.Query, after dcb.Cursor) (<-chan dcb.Event, <-chan error) {
	events := make(chan dcb.Event, c.cfg.StreamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("scan stream panic", "recover", r)
			}
		}()

		sqlQuery, args := buildScanSQL(query, after, 0)
		rows, err := c.readPoolOrWrite().Query(ctx, sqlQuery, args...)
		if err != nil {
			errs <- &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "scan_stream", Err: fmt.Errorf("querying events: %w", err)},
				Resource:        "database",
			}
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row eventRow
			if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
				errs <- &dcb.ResourceError{
					EventStoreError: dcb.EventStoreError{Op: "scan_stream", Err: fmt.Errorf("scanning event row: %w", err)},
					Resource:        "database",
				}
				return
			}
			select {
			case events <- row.toEvent():
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errs <- &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "scan_stream", Err: fmt.Errorf("iterating event rows: %w", err)},
				Resource:        "database",
			}
		}
	}()

	return events, errs
}
