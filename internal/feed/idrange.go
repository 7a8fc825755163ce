package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"

	"gitlab.com/tozd/imagedex/internal/errs"
)

const (
	idRangeBatchSize  = 100
	idRangeBatchDelay = 2 * time.Second
)

// IDRangeRequester issues batched GETs of 100 "t3_<base36>" ids at a
// time, advancing to max(returnedId)+1 after each batch, spaced at
// least idRangeBatchDelay apart.
type IDRangeRequester struct {
	client   *http.Client
	endpoint string
	nextID   int64
	limiter  *rate.Limiter
}

// NewIDRangeRequester constructs an IDRangeRequester starting at startID.
func NewIDRangeRequester(client *http.Client, endpoint string, startID int64) *IDRangeRequester {
	return &IDRangeRequester{
		client:   client,
		endpoint: endpoint,
		nextID:   startID,
		limiter:  rate.NewLimiter(rate.Every(idRangeBatchDelay), 1),
	}
}

type infoEnvelope struct {
	Data struct {
		Children []struct {
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Run implements Adapter.
func (r *IDRangeRequester) Run(ctx context.Context) (<-chan Record, <-chan error) {
	records := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errCh)

		for {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}

			names := make([]string, idRangeBatchSize)
			for i := range names {
				names[i] = "t3_" + strconv.FormatInt(r.nextID+int64(i), 36)
			}

			page, err := r.fetchBatch(ctx, names)
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}

			maxID := r.nextID
			for _, child := range page.Data.Children {
				var id struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(child.Data, &id) //nolint:errcheck

				if v, err := strconv.ParseInt(id.ID, 36, 64); err == nil && v+1 > maxID {
					maxID = v + 1
				}

				select {
				case records <- Record{Data: child.Data}:
				case <-ctx.Done():
					return
				}
			}

			if maxID <= r.nextID {
				maxID = r.nextID + idRangeBatchSize
			}
			r.nextID = maxID
		}
	}()

	return records, errCh
}

func (r *IDRangeRequester) fetchBatch(ctx context.Context, names []string) (*infoEnvelope, error) {
	url := fmt.Sprintf("%s?id=%s", r.endpoint, strings.Join(names, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["status"] = resp.StatusCode
		return nil, errs.WithSource(errE, errs.SourceExternal)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var page infoEnvelope
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.WithStack(err)
	}
	return &page, nil
}
