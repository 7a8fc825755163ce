package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
)

const sseReconnectBackoff = 5 * time.Second

// SSEConsumer opens a long-lived HTTP connection and parses
// "id:"/"event:"/"data:" frames, yielding a Record for every "rs"
// event. On disconnect it reconnects with the last processed id after
// a fixed backoff. A corpus dependency offering SSE parsing does not
// exist; the frame grammar is parsed directly with bufio.Scanner.
type SSEConsumer struct {
	client   *http.Client
	endpoint string
	lastID   int64
}

// NewSSEConsumer constructs an SSEConsumer.
func NewSSEConsumer(client *http.Client, endpoint string) *SSEConsumer {
	return &SSEConsumer{client: client, endpoint: endpoint}
}

// Run implements Adapter.
func (c *SSEConsumer) Run(ctx context.Context) (<-chan Record, <-chan error) {
	records := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errCh)

		for {
			fatal, err := c.consumeOnce(ctx, records)
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				if fatal {
					return
				}
			}

			select {
			case <-time.After(sseReconnectBackoff):
			case <-ctx.Done():
				return
			}
		}
	}()

	return records, errCh
}

// consumeOnce opens one connection and streams frames until it breaks;
// the returned bool is true when the failure is fatal (429) and the
// consumer must not reconnect.
func (c *SSEConsumer) consumeOnce(ctx context.Context, records chan<- Record) (bool, error) {
	url := c.endpoint
	if c.lastID != 0 {
		url = fmt.Sprintf("%s?submission_start_id=%d", c.endpoint, c.lastID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, errors.WithStack(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["status"] = resp.StatusCode
		return true, errs.WithSource(errE, errs.SourceInternal)
	}
	if resp.StatusCode != http.StatusOK {
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["status"] = resp.StatusCode
		return false, errs.WithSource(errE, errs.SourceExternal)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var id int64
	var event string
	var data string

	flush := func() bool {
		if event == "rs" && data != "" {
			select {
			case records <- Record{Data: json.RawMessage(data)}:
			case <-ctx.Done():
				return false
			}
			c.lastID = id
		}
		event, data = "", ""
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return false, nil
			}
		case strings.HasPrefix(line, "id:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return false, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	return false, nil
}
