package store_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/store"
	"gitlab.com/tozd/imagedex/internal/submission"
)

func newTestSubmissionStore(t *testing.T) (*store.SubmissionStore, *pgxpool.Pool) {
	t.Helper()

	pool, errE := store.InitPostgres(context.Background(), requirePostgres(t), zerolog.Nop())
	require.NoError(t, errE)

	return store.NewSubmissionStore(pool), pool
}

func TestSaveErrorThenCountErrorsByCode(t *testing.T) {
	requirePostgres(t)

	ss, _ := newTestSubmissionStore(t)

	sub := submission.Submission{
		ID:        "count1",
		Author:    "someone",
		Permalink: "/r/test/comments/count1/title/",
		URL:       "https://example.com/a.jpg",
		Subreddit: "test",
	}

	_, errE := ss.SaveError(context.Background(), sub, "image_invalid")
	require.NoError(t, errE)

	counts, errE := ss.CountErrorsByCode(context.Background())
	require.NoError(t, errE)
	assert.GreaterOrEqual(t, counts["image_invalid"], int64(1))
}
