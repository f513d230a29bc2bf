package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.jetify.com/typeid"

	"go-dcbcore/pkg/dcb"
)

// sanitizeForTypeID lowercases s and replaces every run of non [a-z0-9_]
// characters with a single underscore, trimming the result, so it is a
// valid TypeID prefix regardless of what the caller's command type string
// looks like.
func sanitizeForTypeID(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return "command"
	}
	return sanitized
}

// commandExecutor is the ambient CommandExecutor: it runs a handler against
// the store, appends the events it produces, and records an audit row in
// the optional commands table, all in one transaction.
type commandExecutor struct {
	core  *Core
	locks []string
}

// NewCommandExecutor builds a dcb.CommandExecutor over core. Optional lock
// keys are acquired, sorted, as transaction-scoped advisory locks before
// the handler runs -- an additional serialization scope layered above (and
// never a substitute for) the append condition's own cursor check.
func NewCommandExecutor(core *Core, lockKeys ...string) dcb.CommandExecutor {
	sorted := make([]string, len(lockKeys))
	copy(sorted, lockKeys)
	sort.Strings(sorted)
	return &commandExecutor{core: core, locks: sorted}
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd dcb.Command, handler dcb.CommandHandler, condition dcb.AppendCondition) ([]dcb.Event, error) {
	if cmd == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("command must not be nil")},
			Field:           "command",
		}
	}
	if handler == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("handler must not be nil")},
			Field:           "handler",
		}
	}

	var metadataJSON []byte
	if cmd.Metadata() != nil {
		var err error
		metadataJSON, err = json.Marshal(cmd.Metadata())
		if err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("marshaling command metadata: %w", err)},
				Resource:        "json",
			}
		}
	}

	correlationID := uuid.NewString()
	causationID := uuid.NewString()

	return ExecuteInTransaction(ctx, ce.core, func(ctx context.Context, h *TxHandle) ([]dcb.Event, error) {
		for _, lockKey := range ce.locks {
			if err := h.lockKey(ctx, lockKey); err != nil {
				return nil, err
			}
		}

		events, handlerErr := handler.Handle(ctx, h, cmd)
		if handlerErr != nil {
			return nil, &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: handlerErr},
				Field:           "handler",
			}
		}
		if len(events) == 0 {
			return nil, &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("handler produced no events")},
				Field:           "events",
				Value:           "empty",
			}
		}
		for _, e := range events {
			for _, t := range e.Tags() {
				if strings.HasPrefix(t.Key(), "lock:") {
					return nil, &dcb.ValidationError{
						EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("events may not carry lock: tags")},
						Field:           "tags",
						Value:           t.Key(),
					}
				}
			}
		}

		stored, _, err := h.AppendIf(ctx, events, condition)
		if err != nil {
			return nil, err
		}

		commandID, err := typeid.WithPrefix(sanitizeForTypeID(cmd.Type()))
		if err != nil {
			commandID, _ = typeid.WithPrefix("command")
		}
		if _, err := h.tx.Exec(ctx, `
			INSERT INTO commands (id, type, data, metadata, correlation_id, causation_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, commandID.String(), cmd.Type(), cmd.Data(), orEmptyJSON(metadataJSON), correlationID, causationID); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "execute_command", Err: fmt.Errorf("recording command audit row: %w", err)},
				Resource:        "database",
			}
		}

		return stored, nil
	})
}

func orEmptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (h *TxHandle) lockKey(ctx context.Context, lockKey string) error {
	if _, err := h.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "tx_lock", Err: fmt.Errorf("acquiring advisory lock %q: %w", lockKey, err)},
			Resource:        "advisory_lock",
		}
	}
	return nil
}
