// Package ingest drives a feed adapter, filters and finalizes its
// records, and fans work out across a bounded worker pool running the
// URL resolve -> fetch -> hash -> store pipeline per submission.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/field-eng-powertools/notify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
	"golang.org/x/sync/errgroup"

	"gitlab.com/tozd/imagedex/internal/errs"
	"gitlab.com/tozd/imagedex/internal/feed"
	"gitlab.com/tozd/imagedex/internal/store"
	"gitlab.com/tozd/imagedex/internal/submission"
)

// FatalFunc is called when a Source::Internal error is encountered. The
// default in cmd/ binaries calls os.Exit(1); tests supply a no-op or a
// recording stub so library code never calls os.Exit directly.
type FatalFunc func(errors.E)

// Orchestrator fans a feed's records out to a bounded worker pool.
type Orchestrator struct {
	hashStore       *store.HashStore
	submissionStore *store.SubmissionStore
	logger          zerolog.Logger
	fatal           FatalFunc

	// width broadcasts the current worker-pool width so quiet-hours
	// transitions reach Run without a poll loop, grounded on the
	// teacher's notify.Var[int64] download-progress broadcaster. Run
	// applies a new width by waiting for in-flight workers to finish and
	// then resetting the group's limit.
	width *notify.Var[int]

	// active is the concurrent-workers gauge: advisory observability
	// state only, read by nothing in the hot path. An atomic replaces
	// the original's mutex-guarded counter since the shared state here
	// is a single integer.
	active atomic.Int64
}

// Active returns the current number of in-flight processOne calls.
func (o *Orchestrator) Active() int64 {
	return o.active.Load()
}

// New constructs an Orchestrator with initial worker-pool width w.
func New(hashStore *store.HashStore, submissionStore *store.SubmissionStore, logger zerolog.Logger, fatal FatalFunc, w int) *Orchestrator {
	if fatal == nil {
		fatal = func(errors.E) {}
	}
	return &Orchestrator{
		hashStore:       hashStore,
		submissionStore: submissionStore,
		logger:          logger,
		fatal:           fatal,
		width:           notify.VarOf(w),
	}
}

// SetWidth updates the worker-pool width, e.g. to W' during quiet hours.
func (o *Orchestrator) SetWidth(w int) {
	o.width.Set(w)
}

// Run consumes records until the channel closes or ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, records <-chan feed.Record) errors.E {
	width, widthUpdated := o.width.Get()

	// processOne never returns an error, so a plain Group is used: unlike
	// errgroup.WithContext, its Wait does not cancel ctx.
	var g errgroup.Group
	g.SetLimit(width)

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return errors.WithStack(g.Wait())
			}

			select {
			case <-widthUpdated:
				width, widthUpdated = o.width.Get()
				_ = g.Wait() // SetLimit panics while workers are active.
				g.SetLimit(width)
			default:
			}

			rec := rec
			g.Go(func() error {
				o.processOne(ctx, rec)
				return nil
			})
		case <-widthUpdated:
			width, widthUpdated = o.width.Get()
			_ = g.Wait() // SetLimit panics while workers are active.
			g.SetLimit(width)
		case <-ctx.Done():
			return errors.WithStack(g.Wait())
		}
	}
}

func (o *Orchestrator) processOne(ctx context.Context, rec feed.Record) {
	count := o.active.Add(1)
	defer o.active.Add(-1)

	o.logger.Debug().Int64("active", count).Msg("processing submission")

	var sub submission.Submission
	if err := x.Unmarshal(rec.Data, &sub); err != nil {
		o.logger.Warn().Err(err).Msg("failed to decode submission record")
		return
	}
	if rec.Updated != 0 {
		sub.Updated = rec.Updated
	}

	sub, errE := submission.Finalize(sub)
	if errE != nil {
		o.handleFailure(ctx, sub, errE)
		return
	}

	if !submission.Desirable(sub) {
		return
	}

	url, errE := submission.ChooseURL(sub)
	if errE != nil {
		o.handleFailure(ctx, sub, errE)
		return
	}

	result, errE := o.hashStore.SaveHash(ctx, url, store.Images)
	if errE != nil {
		o.handleFailure(ctx, sub, errE)
		return
	}

	if _, errE := o.submissionStore.SaveSuccess(ctx, sub, result.ID); errE != nil {
		o.handleFailure(ctx, sub, errE)
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, sub submission.Submission, errE errors.E) {
	source := errs.GetSource(errE)
	code := errs.GetCode(errE)

	if source == errs.SourceInternal {
		o.logger.Error().Err(errE).Str("redditId", sub.ID).Msg("internal error, aborting")
		o.fatal(errE)
		return
	}

	o.logger.Warn().Err(errE).Str("redditId", sub.ID).Str("code", code).Msg("failed to process submission")
	if _, saveErrE := o.submissionStore.SaveError(ctx, sub, code); saveErrE != nil {
		o.logger.Error().Err(saveErrE).Str("redditId", sub.ID).Msg("failed to record save_error")
	}
}
