package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"

	"gitlab.com/tozd/imagedex/internal/errs"
)

const listingInterval = 5 * time.Second

// ListingPoller repeatedly GETs a paginated listing, maintaining a
// monotone cursor and a platform "modhash" echoed on subsequent
// requests. A catch-up round ends as soon as any submission in a page
// is already known to the store, at which point the poller restarts
// from the top. Pacing uses a rate.Limiter, grounded on the teacher's
// wikipedia API client rate-limiting pattern, rather than a raw Ticker.
type ListingPoller struct {
	client   *http.Client
	endpoint string
	exists   ExistsChecker
	logger   zerolog.Logger

	limiter *rate.Limiter
	modhash string
	after   string
}

// NewListingPoller constructs a ListingPoller against endpoint, which
// must accept ?limit=&after=&count= query parameters.
func NewListingPoller(client *http.Client, endpoint string, exists ExistsChecker, logger zerolog.Logger) *ListingPoller {
	return &ListingPoller{
		client:   client,
		endpoint: endpoint,
		exists:   exists,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(listingInterval), 1),
	}
}

type listingEnvelope struct {
	Data struct {
		Children []struct {
			Data json.RawMessage `json:"data"`
		} `json:"children"`
		After string `json:"after"`
	} `json:"data"`
}

// Run implements Adapter.
func (p *ListingPoller) Run(ctx context.Context) (<-chan Record, <-chan error) {
	records := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errCh)

		count := 0
		for {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}

			page, date, err := p.fetchPage(ctx, count)
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}

			caughtUp := false
			for _, child := range page.Data.Children {
				var id struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(child.Data, &id) //nolint:errcheck

				if p.exists != nil && id.ID != "" {
					exists, err := p.exists.Exists(ctx, id.ID)
					if err == nil && exists {
						caughtUp = true
						break
					}
				}

				select {
				case records <- Record{Data: child.Data, Updated: date}:
				case <-ctx.Done():
					return
				}
				count++
			}

			if caughtUp || page.Data.After == "" {
				p.after = ""
				count = 0
				continue
			}
			p.after = page.Data.After
		}
	}()

	return records, errCh
}

func (p *ListingPoller) fetchPage(ctx context.Context, count int) (*listingEnvelope, int64, error) {
	url := fmt.Sprintf("%s?limit=100&after=%s&count=%d", p.endpoint, p.after, count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if p.modhash != "" {
		req.Header.Set("X-Modhash", p.modhash)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["status"] = resp.StatusCode
		return nil, 0, errs.WithSource(errE, errs.SourceExternal)
	}

	if h := resp.Header.Get("X-Modhash"); h != "" {
		p.modhash = h
	}

	var date int64
	if d := resp.Header.Get("Date"); d != "" {
		if t, err := time.Parse(time.RFC1123Z, d); err == nil {
			date = t.UTC().Unix()
		} else if t, err := time.Parse(time.RFC1123, d); err == nil {
			date = t.UTC().Unix()
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	var page listingEnvelope
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return &page, date, nil
}
