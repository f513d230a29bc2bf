package postgres

import (
	"fmt"
	"strings"

	"go-dcbcore/pkg/dcb"
)

// buildScanSQL compiles a Query plus an optional cursor into a SELECT
// against the events table. The cursor predicate and ordering follow the
// standard (transaction_id, position) tuple-comparison pattern for
// correctly ordering events across concurrently committing transactions.
func buildScanSQL(query dcb.Query, after dcb.Cursor, limit int) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 8)
	argIndex := 1

	if cond, newArgs, newIndex := queryCondition(query, argIndex, args); cond != "" {
		conditions = append(conditions, cond)
		args = newArgs
		argIndex = newIndex
	}

	if !after.IsZero() {
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR transaction_id > $%d)",
			argIndex, argIndex+1, argIndex,
		))
		args = append(args, int64(after.TransactionID), after.Position)
		argIndex += 2
	}

	var b strings.Builder
	b.WriteString("SELECT type, tags, data, transaction_id, position, occurred_at FROM events")
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY transaction_id ASC, position ASC")
	if limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	return b.String(), args
}

// queryCondition renders a Query as a single WHERE fragment: items are
// OR-ed together, and within an item the event-type and tag-containment
// checks are AND-ed. A nil query, or one built with dcb.NewQueryAll,
// matches everything and contributes no fragment.
func queryCondition(query dcb.Query, argIndex int, args []any) (string, []any, int) {
	if query == nil {
		return "", args, argIndex
	}
	items := query.Items()
	if items == nil {
		// NewQueryAll: matches everything, no predicate needed.
		return "", args, argIndex
	}
	if len(items) == 0 {
		// NewQueryEmpty: matches nothing.
		return "1 = 0", args, argIndex
	}

	orConditions := make([]string, 0, len(items))
	for _, item := range items {
		andConditions := make([]string, 0, 2)

		if types := item.EventTypes(); len(types) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
			args = append(args, types)
			argIndex++
		}
		if tags := item.Tags(); len(tags) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
			args = append(args, dcb.TagsToStrings(tags))
			argIndex++
		}
		if len(andConditions) > 0 {
			orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
		}
	}
	if len(orConditions) == 0 {
		return "", args, argIndex
	}
	return "(" + strings.Join(orConditions, " OR ") + ")", args, argIndex
}

// conflictProbeSQL compiles a single QueryItem into the conflict-check
// probe: the position of every matching event committed after a cursor.
func conflictProbeSQL(item dcb.QueryItem, after dcb.Cursor) (string, []any) {
	return itemProbeSQL("position", item, &after)
}

// idempotencyProbeSQL compiles a single QueryItem into the idempotency
// probe: the full row of every matching event in the whole log.
func idempotencyProbeSQL(item dcb.QueryItem) (string, []any) {
	return itemProbeSQL("type, tags, data, transaction_id, position, occurred_at", item, nil)
}

func itemProbeSQL(columns string, item dcb.QueryItem, after *dcb.Cursor) (string, []any) {
	q, _ := dcb.NewQueryFromItems(item)
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	argIndex := 1

	if cond, newArgs, newIndex := queryCondition(q, argIndex, args); cond != "" {
		conditions = append(conditions, cond)
		args = newArgs
		argIndex = newIndex
	}
	if after != nil && !after.IsZero() {
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR transaction_id > $%d)",
			argIndex, argIndex+1, argIndex,
		))
		args = append(args, int64(after.TransactionID), after.Position)
		argIndex += 2
	}

	var b strings.Builder
	b.WriteString("SELECT " + columns + " FROM events")
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY transaction_id ASC, position ASC")
	return b.String(), args
}
