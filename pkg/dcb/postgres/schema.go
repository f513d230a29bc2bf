package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-dcbcore/pkg/dcb"
)

// ensureSchema checks that the events table (required) and commands table
// (optional) already exist. It never creates them: schema management is the
// caller's responsibility, applied from migrations/schema.sql with
// whatever migration tooling the deployment already uses.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := validateTableExists(ctx, pool, "events", true); err != nil {
		return err
	}
	return validateTableExists(ctx, pool, "commands", false)
}

func validateTableExists(ctx context.Context, pool *pgxpool.Pool, tableName string, required bool) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
			AND table_schema = ANY (current_schemas(false))
		)
	`, tableName).Scan(&exists)
	if err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "ensure_schema", Err: fmt.Errorf("checking table %s: %w", tableName, err)},
			Resource:        "database",
		}
	}
	if !exists && required {
		return &dcb.TableStructureError{
			EventStoreError: dcb.EventStoreError{Op: "ensure_schema", Err: fmt.Errorf("required table %q does not exist", tableName)},
			TableName:       tableName,
			Issue:           "missing table; apply migrations/schema.sql",
		}
	}
	return nil
}
