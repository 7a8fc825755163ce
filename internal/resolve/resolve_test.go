package resolve

import (
	"context"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	r, errE := New(Config{ImgurClientID: "test", ImgurRapidAPIKey: "test"}, client, zerolog.Nop(), func(errE errors.E) {
		t.Fatalf("unexpected fatal: %v", errE)
	})
	require.NoError(t, errE)
	return r
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "i.imgur.com", NormalizeHost("www.i.imgur.com"))
	assert.Equal(t, "i.imgur.com", NormalizeHost("i.imgur.com"))
	assert.Equal(t, "imgur.com", NormalizeHost("IMGUR.COM"))
}

func TestResolveDirectImage(t *testing.T) {
	r := newTestResolver(t)
	out, errE := r.Resolve(context.Background(), "http://www.i.imgur.com/3EqtHIK.jpg")
	require.NoError(t, errE)
	assert.Equal(t, "https://i.imgur.com/3EqtHIK.jpg", out)
}

func TestResolveBareID(t *testing.T) {
	r := newTestResolver(t)
	out, errE := r.Resolve(context.Background(), "https://imgur.com/3EqtHIK")
	require.NoError(t, errE)
	assert.Equal(t, "https://i.imgur.com/3EqtHIK.jpg", out)
}

func TestResolveTooLong(t *testing.T) {
	r := newTestResolver(t)
	long := "https://imgur.com/"
	for len(long) <= maxURLLength {
		long += "a"
	}
	_, errE := r.Resolve(context.Background(), long)
	require.Error(t, errE)
}

func TestResolveUnsupportedScheme(t *testing.T) {
	r := newTestResolver(t)
	_, errE := r.Resolve(context.Background(), "ftp://example.com/a.jpg")
	require.Error(t, errE)
}

func TestResolveGifSoundDirect(t *testing.T) {
	r := newTestResolver(t)
	out, errE := r.Resolve(context.Background(), "http://gifsound.com/?gif=http://i.imgur.com/abc123.gifv&s=xyz")
	require.NoError(t, errE)
	assert.Equal(t, "https://i.imgur.com/abc123.gif", out)
}

func TestResolveGifSoundNoGif(t *testing.T) {
	r := newTestResolver(t)
	_, errE := r.Resolve(context.Background(), "http://gifsound.com/?s=xyz")
	require.Error(t, errE)
}

func TestResolveWikiFileRegexp(t *testing.T) {
	assert.True(t, wikiFileRegexp.MatchString("commons.wikimedia.org"))
	assert.True(t, wikiFileRegexp.MatchString("en.wikipedia.org"))
	assert.False(t, wikiFileRegexp.MatchString("en.www.wikipedia.org"))
	assert.False(t, wikiFileRegexp.MatchString("wikipedia.org.evil.com"))
}

func TestWikiFilePathRegexp(t *testing.T) {
	m := wikiFilePathRegexp.FindStringSubmatch("/wiki/File:Foo_bar.png")
	require.NotNil(t, m)
	assert.Equal(t, "Foo_bar.png", m[1])
	assert.Nil(t, wikiFilePathRegexp.FindStringSubmatch("/wiki/Foo_bar"))
}

func TestPercentEncodeQuerySafe(t *testing.T) {
	assert.Equal(t, "https://i.imgur.com/3EqtHIK.jpg", percentEncodeQuerySafe("https://i.imgur.com/3EqtHIK.jpg"))
	assert.Equal(t, "https://i.imgur.com/a%20b.jpg", percentEncodeQuerySafe("https://i.imgur.com/a b.jpg"))
}

func TestIsBareID(t *testing.T) {
	assert.True(t, isBareID("/3EqtHIK"))
	assert.False(t, isBareID("/a/3EqtHIK"))
	assert.False(t, isBareID("/3EqtHIK.jpg"))
	assert.False(t, isBareID("/"))
}

func TestRewriteVideoExtension(t *testing.T) {
	assert.Equal(t, "https://i.imgur.com/abc.gif", rewriteVideoExtension("https://i.imgur.com/abc.gifv"))
	assert.Equal(t, "https://i.imgur.com/abc.jpg", rewriteVideoExtension("https://i.imgur.com/abc.jpg"))
}
