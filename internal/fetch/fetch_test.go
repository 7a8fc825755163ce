package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/errs"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Contains(t, req.Header.Get("Accept"), "image/png")
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=3600")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c := New(0)
	result, errE := c.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, errE)
	assert.Equal(t, "image/png", result.ContentType)
	assert.Equal(t, "max-age=3600", result.CacheControl)
	assert.Equal(t, []byte("fake-png-bytes"), result.Body)
}

func TestFetchUnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(0)
	_, errE := c.Fetch(context.Background(), srv.URL)
	require.Error(t, errE)
	assert.Equal(t, "content_type_unsupported", errs.GetCode(errE))
}

func TestFetchNoContentTypeAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := New(0)
	result, errE := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, errE)
	assert.Equal(t, []byte("bytes"), result.Body)
}

func TestFetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(0)
	_, errE := c.Fetch(context.Background(), srv.URL)
	require.Error(t, errE)
	assert.Equal(t, "http_404", errs.GetCode(errE))
}

func TestAcceptHeaderExcludesWebpForPhotobucket(t *testing.T) {
	u := mustParseURL(t, "https://photobucket.com/image.jpg")
	header := acceptHeader(u)
	assert.NotContains(t, header, "image/webp")
	assert.Contains(t, header, "image/png")
}

func TestAcceptHeaderIncludesWebpByDefault(t *testing.T) {
	u := mustParseURL(t, "https://example.com/image.jpg")
	header := acceptHeader(u)
	assert.Contains(t, header, "image/webp")
}

func TestRewriteExtensionFromContentType(t *testing.T) {
	out := rewriteExtensionFromContentType("https://i.imgur.com/abc.png", "image/jpeg")
	assert.Equal(t, "https://i.imgur.com/abc.jpg", out)

	out = rewriteExtensionFromContentType("https://example.com/abc.png", "image/jpeg")
	assert.Equal(t, "https://example.com/abc.png", out)
}

func TestIsRemovedPlaceholder(t *testing.T) {
	assert.True(t, isRemovedPlaceholder("https://i.imgur.com/removed.png"))
	assert.False(t, isRemovedPlaceholder("https://i.imgur.com/abc.png"))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
