// Package dcb implements the backend-agnostic core of a Dynamic Consistency
// Boundary event store: the value types shared by every operation, and the
// in-memory query matcher used both by the Postgres implementation and by
// tests. It never imports a database driver.
package dcb

import "time"

// Tag is a key/value pair attached to an event for indexing and querying.
// This is an opaque type: construct only via NewTag/NewTags and read only
// via Key/Value.
type Tag interface {
	isTag()
	Key() string
	Value() string
}

type tag struct {
	key   string
	value string
}

func (t *tag) isTag()        {}
func (t *tag) Key() string   { return t.key }
func (t *tag) Value() string { return t.value }

// NewTag constructs a single Tag. Both key and value must be non-empty.
func NewTag(key, value string) (Tag, error) {
	if key == "" {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_tag", Err: errEmptyTagKey},
			Field:           "key",
			Value:           value,
		}
	}
	if value == "" {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_tag", Err: errEmptyTagValue},
			Field:           "value",
			Value:           key,
		}
	}
	return &tag{key: key, value: value}, nil
}

// NewTags builds a slice of Tags from alternating key/value strings, e.g.
// NewTags("account_id", "acc-1", "kind", "checking"). An odd number of
// arguments is a programmer error and returns a ValidationError.
func NewTags(kv ...string) ([]Tag, error) {
	if len(kv)%2 != 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_tags", Err: errOddTagArguments},
			Field:           "kv",
		}
	}
	tags := make([]Tag, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		t, err := NewTag(kv[i], kv[i+1])
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, nil
}

// InputEvent is an event awaiting assignment of a position. Construct only
// via NewInputEvent.
type InputEvent interface {
	isInputEvent()
	Type() string
	Tags() []Tag
	Data() []byte
}

type inputEvent struct {
	eventType string
	tags      []Tag
	data      []byte
}

func (e *inputEvent) isInputEvent()  {}
func (e *inputEvent) Type() string   { return e.eventType }
func (e *inputEvent) Tags() []Tag    { return e.tags }
func (e *inputEvent) Data() []byte   { return e.data }

// NewInputEvent constructs an InputEvent. eventType must be non-empty.
func NewInputEvent(eventType string, tags []Tag, data []byte) (InputEvent, error) {
	if eventType == "" {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_input_event", Err: errEmptyEventType},
			Field:           "type",
		}
	}
	return &inputEvent{eventType: eventType, tags: tags, data: data}, nil
}

// Cursor marks a position in the event log. Reads are exclusive of the
// cursor: events strictly after it are returned. TransactionID and Position
// are both required to order events correctly across concurrently
// committing transactions, which can acquire positions in an order slightly
// different from their commit (transaction) order.
type Cursor struct {
	TransactionID uint64
	Position      int64
}

// ZeroCursor returns the cursor denoting the start of the log.
func ZeroCursor() Cursor {
	return Cursor{}
}

// IsZero reports whether c is the start-of-log cursor.
func (c Cursor) IsZero() bool {
	return c.TransactionID == 0 && c.Position == 0
}

// After reports whether c denotes a later position in the log than other.
func (c Cursor) After(other Cursor) bool {
	if c.TransactionID != other.TransactionID {
		return c.TransactionID > other.TransactionID
	}
	return c.Position > other.Position
}

// Event is a durably stored event, as read back from the log.
type Event struct {
	Type          string
	Tags          []Tag
	Data          []byte
	Position      int64
	TransactionID uint64
	OccurredAt    time.Time
}

// Cursor returns the cursor pointing at this event's own position.
func (e Event) Cursor() Cursor {
	return Cursor{TransactionID: e.TransactionID, Position: e.Position}
}

// StateProjector folds matching events into a caller-defined state value.
// TransitionFn must be a pure function: given the current state and the
// next matching event, it returns the next state.
type StateProjector struct {
	ID           string
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// ProjectionResult is the outcome of folding a single StateProjector over
// the log: the final state and the cursor of the last event applied (or the
// starting cursor if nothing matched).
type ProjectionResult struct {
	State  any
	Cursor Cursor
}
