package imagedex

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
	"gitlab.com/tozd/imagedex/internal/feed"
	"gitlab.com/tozd/imagedex/internal/fetch"
	"gitlab.com/tozd/imagedex/internal/ingest"
	"gitlab.com/tozd/imagedex/internal/resolve"
	"gitlab.com/tozd/imagedex/internal/store"
)

// Run wires the resolver, fetcher, hash store, submission store, and the
// feed adapter named by c.Feed together and runs the ingestion pipeline
// until the process is interrupted or a Source::Internal error is hit.
func (c *IngestCommand) Run(globals *Globals) errors.E { //nolint:funlen
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := globals.Logger

	pool, errE := store.InitPostgres(ctx, string(globals.Postgres.URL), logger)
	if errE != nil {
		return errE
	}

	fatal := func(errE errors.E) {
		logger.Error().Err(errE).Msg("fatal internal error, exiting")
		stop()
		os.Exit(1) //nolint:forbidigo
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.HTTPClient = cleanhttp.DefaultPooledClient()

	resolver, errE := resolve.New(resolve.Config{
		ImgurClientID:    globals.Imgur.ClientID,
		ImgurRapidAPIKey: globals.Imgur.RapidAPIKey,
	}, retryClient, logger, fatal)
	if errE != nil {
		return errE
	}

	fetcher := fetch.New(time.Duration(c.FetchTimeout) * time.Second)

	hashStore := store.NewHashStore(pool, resolver, fetcher)
	submissionStore := store.NewSubmissionStore(pool)

	width := c.WorkerCount
	if width <= 0 {
		width = DefaultWorkerCount
	}
	orchestrator := ingest.New(hashStore, submissionStore, logger, fatal, width)

	stopQuietHours := c.runQuietHoursLoop(ctx, orchestrator)
	defer stopQuietHours()

	adapter, errE := c.buildAdapter(submissionStore, logger)
	if errE != nil {
		return errE
	}

	records, feedErrs := adapter.Run(ctx)

	go func() {
		for err := range feedErrs {
			logger.Error().Err(err).Msg("feed adapter error")
		}
	}()

	return orchestrator.Run(ctx, records)
}

// buildAdapter constructs the feed.Adapter named by c.Feed against c.URL.
func (c *IngestCommand) buildAdapter(exists feed.ExistsChecker, logger zerolog.Logger) (feed.Adapter, errors.E) {
	client := &http.Client{Transport: cleanhttp.DefaultPooledTransport()}

	switch c.Feed {
	case "listing":
		return feed.NewListingPoller(client, c.URL, exists, logger), nil
	case "idrange":
		return feed.NewIDRangeRequester(client, c.URL, c.StartID), nil
	case "sse":
		return feed.NewSSEConsumer(client, c.URL), nil
	default:
		errE := errors.WithStack(errs.ErrURLInvalid)
		errors.Details(errE)["feed"] = c.Feed
		return nil, errs.WithSource(errE, errs.SourceUser)
	}
}

// runQuietHoursLoop starts a ticker that resizes the orchestrator's
// worker pool between c.TimeLimits.Start and c.TimeLimits.End, returning
// a stop function.
func (c *IngestCommand) runQuietHoursLoop(ctx context.Context, o *ingest.Orchestrator) func() {
	if c.TimeLimits.Start == c.TimeLimits.End {
		return func() {}
	}

	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hour := time.Now().Hour()
				if inQuietHours(hour, c.TimeLimits.Start, c.TimeLimits.End) {
					o.SetWidth(c.TimeLimits.Count)
				} else {
					width := c.WorkerCount
					if width <= 0 {
						width = DefaultWorkerCount
					}
					o.SetWidth(width)
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
