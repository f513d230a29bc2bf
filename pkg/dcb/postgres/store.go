// Package postgres implements go-dcbcore's Dynamic Consistency Boundary
// event store on top of PostgreSQL, using pgx/v5 and pgxpool. It is the
// only package in this module that imports a database driver.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"go-dcbcore/pkg/dcb"
)

// Core is the Postgres-backed EventStore: PositionAllocator, TagIndex,
// EventLog, DCBEngine, ProjectionEngine, and TransactionCoordinator are all
// facets of this one value, bound to one write pool and (optionally) a
// separate read pool.
type Core struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool
	cfg       dcb.Config
	clock     dcb.Clock
	logger    dcb.Logger
	metrics   dcb.Metrics

	idempotencyGroup singleflight.Group
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithReadPool routes Scan/Project outside a transaction scope to a
// separate pool, typically pointed at a read replica. When unset, the
// write pool serves reads too.
func WithReadPool(pool *pgxpool.Pool) Option {
	return func(c *Core) { c.readPool = pool }
}

// WithClock overrides the default SystemClock.
func WithClock(clock dcb.Clock) Option {
	return func(c *Core) { c.clock = clock }
}

// WithLogger overrides the default NoopLogger.
func WithLogger(logger dcb.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// WithMetrics overrides the default NoopMetrics.
func WithMetrics(metrics dcb.Metrics) Option {
	return func(c *Core) { c.metrics = metrics }
}

// New constructs a Core over an already-migrated database. cfg's zero
// fields are replaced by dcb.DefaultConfig's defaults; the resulting
// config is validated before the pool is accepted.
func New(ctx context.Context, writePool *pgxpool.Pool, cfg dcb.Config, opts ...Option) (*Core, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := writePool.Ping(pingCtx); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "new_core", Err: fmt.Errorf("unable to connect to database: %w", err)},
			Resource:        "database",
		}
	}

	c := &Core{
		writePool: writePool,
		cfg:       cfg,
		clock:     dcb.SystemClock{},
		logger:    dcb.NoopLogger{},
		metrics:   dcb.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := ensureSchema(ctx, writePool); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the store's effective configuration.
func (c *Core) Config() dcb.Config {
	return c.cfg
}

// Pool exposes the underlying write pool for advanced/internal use (tests,
// infrastructure extensions). Regular application logic should not need
// this: it bypasses the store's consistency guarantees.
func (c *Core) Pool() *pgxpool.Pool {
	return c.writePool
}

func (c *Core) readPoolOrWrite() *pgxpool.Pool {
	if c.readPool != nil {
		return c.readPool
	}
	return c.writePool
}

// withTimeout bounds ctx by the store's configured default, parented off
// ctx itself so the caller's cancellation and values still propagate into
// the query. A parent deadline shorter than def still wins, since context
// deadlines always take the earlier of parent and child.
func withTimeout(ctx context.Context, def time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, def)
}
