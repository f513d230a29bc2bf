package dcb

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// IsolationLevel is a type-safe enum over the Postgres isolation levels the
// store supports.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// Config controls batch sizing, timeouts, and the default isolation level
// used by the Postgres implementation. Zero-valued fields are replaced by
// DefaultConfig's defaults before validation runs.
type Config struct {
	MaxBatchSize           int            `validate:"gt=0"`
	StreamBuffer           int            `validate:"gt=0"`
	DefaultAppendIsolation IsolationLevel `validate:"gte=0,lte=2"`
	QueryTimeout           time.Duration  `validate:"gt=0"`
	AppendTimeout          time.Duration  `validate:"gt=0"`
}

// DefaultConfig returns the store's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:           1000,
		StreamBuffer:           1000,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		QueryTimeout:           10 * time.Second,
		AppendTimeout:          10 * time.Second,
	}
}

// WithDefaults fills any zero-valued field of cfg from DefaultConfig.
func (cfg Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.StreamBuffer == 0 {
		cfg.StreamBuffer = defaults.StreamBuffer
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaults.QueryTimeout
	}
	if cfg.AppendTimeout == 0 {
		cfg.AppendTimeout = defaults.AppendTimeout
	}
	return cfg
}

var configValidator = validator.New()

// Validate rejects a Config whose explicit values are nonsensical (negative
// batch size, zero timeout, an isolation level outside the enum). Run this
// after WithDefaults, since zero values are a valid "use the default"
// signal beforehand.
func (cfg Config) Validate() error {
	if err := configValidator.Struct(cfg); err != nil {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "validate_config", Err: err},
			Field:           "config",
		}
	}
	return nil
}
