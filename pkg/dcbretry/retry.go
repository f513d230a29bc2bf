// Package dcbretry is the application-layer retry-on-conflict helper the
// core deliberately does not provide: DCBEngine reports a concurrency
// conflict and stops, leaving the decision of whether and how to retry to
// the caller.
package dcbretry

import (
	"context"

	"github.com/avast/retry-go/v4"

	"go-dcbcore/pkg/dcb"
)

// Decide calls appendIf once per attempt; re-projecting state and
// re-deriving the append on each call is left to appendIf itself. On a
// dcb.ConcurrencyError it retries (up to 5 attempts by default); any other
// error aborts immediately.
func Decide(
	ctx context.Context,
	appendIf func(ctx context.Context) ([]dcb.Event, bool, error),
	opts ...retry.Option,
) ([]dcb.Event, bool, error) {
	var events []dcb.Event
	var replayed bool

	defaultOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(5),
		retry.RetryIf(func(err error) bool { return dcb.IsConcurrencyError(err) }),
	}

	err := retry.Do(func() error {
		var err error
		events, replayed, err = appendIf(ctx)
		return err
	}, append(defaultOpts, opts...)...)

	if err != nil {
		return nil, false, err
	}
	return events, replayed, nil
}
