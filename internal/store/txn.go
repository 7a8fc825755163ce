package store

import (
	"context"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/waf"
)

// maxRetries bounds how many times a SERIALIZABLE transaction is
// restarted after a contention error before RetryTransaction gives up.
// The HashStore promotion path (many workers racing to promote the same
// cache row, see hashstore.go) is the hottest contention point in the
// pipeline, so this is higher than a single-writer workload would need.
const maxRetries = 10

// ErrMaxRetriesReached is returned when a transaction still fails after
// maxRetries SERIALIZABLE restarts, most commonly many ingestion workers
// promoting the same URL's cache row at once.
var ErrMaxRetriesReached = errors.Base("max retries reached")

// Image promotion in hashstore.go issues two writes (the INSERT...SELECT
// into images and the DELETE from image_cache); the explicit transaction
// keeps that move atomic.

// dbTx tracks the open transaction and any commit callbacks accumulated
// by nested calls, since pgx has no native support for detecting an
// already-open transaction on the context. See: https://github.com/jackc/pgx/issues/2001
type dbTx struct {
	Tx        pgx.Tx
	Callbacks []func()
}

func nestedTransaction(ctx context.Context, parentTx pgx.Tx, fn func(ctx context.Context, tx pgx.Tx) errors.E) (errE errors.E) { //nolint:nonamedreturns
	tx, err := parentTx.Begin(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer func() {
		err = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			errE = errors.Join(errE, err)
		}
	}()

	errE = fn(ctx, tx)
	if errE != nil {
		return errE
	}

	err = tx.Commit(ctx)
	if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
		// We allow for fn to commit or rollback already.
		return nil
	}
	return WithPgxError(err)
}

// RetryTransaction runs fn inside a SERIALIZABLE transaction, restarting
// it from scratch on a serialization failure or deadlock, which is the
// expected outcome when multiple ingestion workers race to promote the
// same URL's image_cache row into images (see HashStore.SaveHash).
func RetryTransaction(
	ctx context.Context, dbpool *pgxpool.Pool, accessMode pgx.TxAccessMode,
	fn func(ctx context.Context, tx pgx.Tx) errors.E,
	afterCommitFn func(),
) errors.E {
	parentTx, ok := ctx.Value(transactionContextKey).(*dbTx)
	if ok {
		if afterCommitFn != nil {
			parentTx.Callbacks = append(parentTx.Callbacks, afterCommitFn)
		}
		return nestedTransaction(ctx, parentTx.Tx, fn)
	}

	logger := zerolog.Ctx(ctx)
	metrics, _ := waf.GetMetrics(ctx)
	counter := metrics.Counter(MetricDatabaseRetries)

	// We make i match the counter. That means that when loop
	// reaches maxRetries, counter equals maxRetries, too.
	for i := 0; i < maxRetries; i, _ = i+1, counter.Inc() {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		var callbacks []func()

		errE := (func() (errE errors.E) { //nolint:nonamedreturns
			tx, err := dbpool.BeginTx(ctx, pgx.TxOptions{
				IsoLevel:       pgx.Serializable,
				AccessMode:     accessMode,
				DeferrableMode: pgx.NotDeferrable,
				BeginQuery:     "",
				CommitQuery:    "",
			})
			if err != nil {
				return WithPgxError(err)
			}
			defer func() {
				err = tx.Rollback(ctx)
				if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
					errE = errors.Join(errE, err)
				}
			}()

			parentTx := &dbTx{
				Tx:        tx,
				Callbacks: nil,
			}

			errE = fn(context.WithValue(ctx, transactionContextKey, parentTx), tx)
			if errE != nil {
				return errE
			}

			callbacks = parentTx.Callbacks

			err = tx.Commit(ctx)
			if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
				// We allow for fn to commit or rollback already.
				return nil
			}
			return WithPgxError(err)
		})()

		if errE != nil {
			if errors.Is(errE, context.Canceled) || errors.Is(errE, context.DeadlineExceeded) {
				return errE
			}
			var safeToRetry interface{ SafeToRetry() bool }
			if errors.As(errE, &safeToRetry) && safeToRetry.SafeToRetry() {
				logger.Debug().Int("attempt", i+1).Msg("retrying transaction, connection-level failure")
				continue
			}
			var pgError *pgconn.PgError
			if errors.As(errE, &pgError) {
				// See: https://www.postgresql.org/docs/current/mvcc-serialization-failure-handling.html
				switch pgError.Code {
				case ErrorCodeSerializationFailure:
					logger.Debug().Int("attempt", i+1).Msg("retrying transaction, serialization failure")
					continue
				case ErrorCodeDeadlockDetected:
					logger.Debug().Int("attempt", i+1).Msg("retrying transaction, deadlock detected")
					continue
				}
			}
			// A non-retryable error.
			return errE
		}

		if afterCommitFn != nil {
			callbacks = append(callbacks, afterCommitFn)
		}
		slices.Reverse(callbacks)
		for _, fn := range callbacks {
			fn()
		}

		// No error.
		return nil
	}

	logger.Warn().Int("maxRetries", maxRetries).Msg("transaction exhausted all retries, likely sustained promotion-row contention")
	return errors.WithStack(ErrMaxRetriesReached)
}
