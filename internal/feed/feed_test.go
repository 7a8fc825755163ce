package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noExistence struct{}

func (noExistence) Exists(context.Context, string) (bool, error) { return false, nil }

func TestListingPollerSinglePage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Date", time.Now().UTC().Format(time.RFC1123))
		if n == 1 {
			fmt.Fprint(w, `{"data":{"children":[{"data":{"id":"abc"}}],"after":""}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"children":[],"after":""}}`)
	}))
	defer srv.Close()

	poller := NewListingPoller(srv.Client(), srv.URL, noExistence{}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	records, errCh := poller.Run(ctx)
	var got []Record
loop:
	for {
		select {
		case r, ok := <-records:
			if !ok {
				break loop
			}
			got = append(got, r)
		case err := <-errCh:
			require.NoError(t, err)
		case <-ctx.Done():
			break loop
		}
	}
	require.GreaterOrEqual(t, len(got), 1)
}

func TestSSEConsumerParsesRSEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: keepalive\ndata: {}\n\n")
		fmt.Fprint(w, "id: 2\nevent: rs\ndata: {\"id\":\"abc\"}\n\n")
	}))
	defer srv.Close()

	consumer := NewSSEConsumer(srv.Client(), srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	records, _ := consumer.Run(ctx)
	select {
	case r := <-records:
		assert.JSONEq(t, `{"id":"abc"}`, string(r.Data))
	case <-ctx.Done():
		t.Fatal("timed out waiting for record")
	}
	assert.Equal(t, int64(2), consumer.lastID)
}

func TestIDRangeRequesterAdvances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"data":{"children":[{"data":{"id":"3"}}]}}`)
	}))
	defer srv.Close()

	requester := NewIDRangeRequester(srv.Client(), srv.URL, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	records, _ := requester.Run(ctx)
	select {
	case r := <-records:
		assert.JSONEq(t, `{"id":"3"}`, string(r.Data))
	case <-ctx.Done():
		t.Fatal("timed out waiting for record")
	}
}
