// Package feed implements the three feed adapter variants, each
// producing a channel of raw JSON submission records with its own
// pacing discipline.
package feed

import (
	"context"
	"encoding/json"
)

// Record is one raw submission record as received from an adapter,
// decoded downstream by the ingestion orchestrator with gitlab.com/tozd/go/x.
type Record struct {
	Data    json.RawMessage
	Updated int64 // UTC seconds from the feed response's Date header, 0 if not stamped
}

// Adapter produces a stream of raw submission records on the returned
// channel, closing it when ctx is canceled or the feed signals a fatal
// condition. The listing poller and the id-range requester stop after
// sending an error; the SSE consumer sends reconnectable errors and keeps
// going, and stops only after sending a fatal one.
type Adapter interface {
	Run(ctx context.Context) (<-chan Record, <-chan error)
}

// ExistsChecker lets the Listing Poller ask the submission store whether
// a submission id has already been saved, to detect the end of a
// catch-up round.
type ExistsChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}
