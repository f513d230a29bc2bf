package postgres

import (
	"context"
	"fmt"

	"go-dcbcore/pkg/dcb"
)

// Project folds each StateProjector over every event matching its own
// Query, committed strictly after after, in a single pass over the log.
// It returns one dcb.ProjectionResult per projector ID, each carrying the
// cursor of the last event that projector applied (or after, if none
// matched) -- that cursor is what a caller threads into the next
// dcb.NewAppendCondition's stateChanged/after pair.
func (c *Core) Project(ctx context.Context, projectors []dcb.StateProjector, after dcb.Cursor) (map[string]dcb.ProjectionResult, error) {
	if len(projectors) == 0 {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "project", Err: fmt.Errorf("at least one projector is required")},
			Field:           "projectors",
		}
	}

	combined := combineProjectorQueries(projectors)
	events, err := c.Scan(ctx, combined, after, 0)
	if err != nil {
		return nil, err
	}

	results := make(map[string]dcb.ProjectionResult, len(projectors))
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

	for _, p := range projectors {
		results[p.ID] = dcb.ProjectionResult{State: states[p.ID], Cursor: cursors[p.ID]}
	}
	return results, nil
}

// ProjectStream is Project's channel-based counterpart: it emits an updated
// snapshot of every projector's state after each matching event, so a
// long-running consumer can observe progress without waiting for the whole
// scan to finish.
func (c *Core) ProjectStream(ctx context.Context, projectors []dcb.StateProjector, after dcb.Cursor) (<-chan map[string]dcb.ProjectionResult, <-chan error) {
	out := make(chan map[string]dcb.ProjectionResult, c.cfg.StreamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("project stream panic", "recover", r)
			}
		}()

		if len(projectors) == 0 {
			errs <- &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "project_stream", Err: fmt.Errorf("at least one projector is required")},
				Field:           "projectors",
			}
			return
		}

		combined := combineProjectorQueries(projectors)
		events, scanErrs := c.ScanStream(ctx, combined, after)

		states := make(map[string]any, len(projectors))
		cursors := make(map[string]dcb.Cursor, len(projectors))
		for _, p := range projectors {
			states[p.ID] = p.InitialState
			cursors[p.ID] = after
		}

		for event := range events {
			changed := false
			for _, p := range projectors {
				if !dcb.MatchEvent(event, p.Query) {
					continue
				}
				next, perr := applyTransition(p, states[p.ID], event)
				if perr != nil {
					errs <- perr
					return
				}
				states[p.ID] = next
				cursors[p.ID] = event.Cursor()
				changed = true
			}
			if !changed {
				continue
			}
			snapshot := make(map[string]dcb.ProjectionResult, len(projectors))
			for _, p := range projectors {
				snapshot[p.ID] = dcb.ProjectionResult{State: states[p.ID], Cursor: cursors[p.ID]}
			}
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
		}
		if err := <-scanErrs; err != nil {
			errs <- err
		}
	}()

	return out, errs
}

func applyTransition(p dcb.StateProjector, state any, event dcb.Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &dcb.ProjectorError{
				EventStoreError: dcb.EventStoreError{Op: "project", Err: fmt.Errorf("transition panicked: %v", r)},
				ProjectorID:     p.ID,
			}
		}
	}()
	return p.TransitionFn(state, event), nil
}

// combineProjectorQueries merges projectors' queries with OR semantics into
// one Query, so a single Scan pass can feed every projector.
func combineProjectorQueries(projectors []dcb.StateProjector) dcb.Query {
	var items []dcb.QueryItem
	for _, p := range projectors {
		if p.Query == nil {
			continue
		}
		items = append(items, p.Query.Items()...)
	}
	if len(items) == 0 {
		return dcb.NewQueryAll()
	}
	combined, _ := dcb.NewQueryFromItems(items...)
	return combined
}
