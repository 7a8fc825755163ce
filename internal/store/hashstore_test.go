package store_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/fetch"
	"gitlab.com/tozd/imagedex/internal/resolve"
	"gitlab.com/tozd/imagedex/internal/store"
)

func requirePostgres(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("POSTGRES")
	if uri == "" {
		t.Skip("POSTGRES is not available")
	}
	return uri
}

// onePixelPNG is a minimal valid 1x1 PNG, used as fetch fixture content.
var onePixelPNG = []byte{ //nolint:gochecknoglobals
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func newTestHashStore(t *testing.T) *store.HashStore {
	t.Helper()

	pool, errE := store.InitPostgres(context.Background(), requirePostgres(t), zerolog.Nop())
	require.NoError(t, errE)

	client := retryablehttp.NewClient()
	client.Logger = nil
	resolver, errE := resolve.New(resolve.Config{}, client, zerolog.Nop(), nil)
	require.NoError(t, errE)

	fetcher := fetch.New(10 * time.Second)

	return store.NewHashStore(pool, resolver, fetcher)
}

func TestSaveHashNewInsert(t *testing.T) {
	requirePostgres(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(onePixelPNG)
	}))
	defer srv.Close()

	hs := newTestHashStore(t)
	result, errE := hs.SaveHash(context.Background(), srv.URL+"/pixel.png", store.ImageCache)
	require.NoError(t, errE)
	assert.False(t, result.AlreadyHad)
	assert.Equal(t, store.ImageCache, result.Destination)

	again, errE := hs.SaveHash(context.Background(), srv.URL+"/pixel.png", store.ImageCache)
	require.NoError(t, errE)
	assert.True(t, again.AlreadyHad)
	assert.Equal(t, result.ID, again.ID)
}

func TestSaveHashPromotion(t *testing.T) {
	requirePostgres(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(onePixelPNG)
	}))
	defer srv.Close()

	hs := newTestHashStore(t)
	cached, errE := hs.SaveHash(context.Background(), srv.URL+"/promote.png", store.ImageCache)
	require.NoError(t, errE)
	require.Equal(t, store.ImageCache, cached.Destination)

	promoted, errE := hs.SaveHash(context.Background(), srv.URL+"/promote.png", store.Images)
	require.NoError(t, errE)
	assert.True(t, promoted.AlreadyHad)
	assert.Equal(t, store.Images, promoted.Destination)
}

// TestSaveHashPromotionRaceExactlyOneWinner races many workers against
// the same cache row's promotion from image_cache to images (the
// contention RetryTransaction's SERIALIZABLE retries in txn.go exist
// for) and checks that every racer ends on the same images id, so
// exactly one promotion took effect. The promotion itself reports
// AlreadyHad (the URL was already cached), so no racer reports a fresh
// insert.
func TestSaveHashPromotionRaceExactlyOneWinner(t *testing.T) {
	requirePostgres(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(onePixelPNG)
	}))
	defer srv.Close()

	hs := newTestHashStore(t)
	cached, errE := hs.SaveHash(context.Background(), srv.URL+"/race.png", store.ImageCache)
	require.NoError(t, errE)
	require.Equal(t, store.ImageCache, cached.Destination)

	const workers = 16
	var results store.LockableSlice[*store.HashResult]
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			result, errE := hs.SaveHash(context.Background(), srv.URL+"/race.png", store.Images)
			assert.NoError(t, errE)
			if errE == nil {
				results.Append(result)
			}
		}()
	}
	wg.Wait()

	collected := results.Prune()
	require.NotEmpty(t, collected)

	freshInserts := 0
	for _, r := range collected {
		assert.Equal(t, store.Images, r.Destination)
		assert.Equal(t, collected[0].ID, r.ID)
		if !r.AlreadyHad {
			freshInserts++
		}
	}
	assert.Zero(t, freshInserts)
}
