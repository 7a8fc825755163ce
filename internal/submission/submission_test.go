package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/errs"
)

func strPtr(s string) *string { return &s }

func TestFinalizeDecodesIDAndUnescapesEntities(t *testing.T) {
	sub := Submission{
		ID:    "1z",
		URL:   "https://example.com/a&amp;b.jpg",
		Title: "Foo &amp; Bar",
	}
	got, errE := Finalize(sub)
	require.NoError(t, errE)
	assert.Equal(t, "https://example.com/a&b.jpg", got.URL)
	assert.Equal(t, "Foo & Bar", got.Title)

	wantID, _ := parseBase36(t, "1z")
	assert.Equal(t, wantID, got.IDInt)
}

func parseBase36(t *testing.T, s string) (int64, bool) {
	t.Helper()
	n := int64(0)
	for _, c := range s {
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'z':
			d = int64(c-'a') + 10
		default:
			return 0, false
		}
		n = n*36 + d
	}
	return n, true
}

func TestFinalizeUnescapesPreview(t *testing.T) {
	sub := Submission{ID: "1", Preview: strPtr("https://example.com/x?a=1&amp;b=2")}
	got, errE := Finalize(sub)
	require.NoError(t, errE)
	require.NotNil(t, got.Preview)
	assert.Equal(t, "https://example.com/x?a=1&b=2", *got.Preview)
}

func TestFinalizeBadIDIsInternal(t *testing.T) {
	sub := Submission{ID: "not-base36!!"}
	_, errE := Finalize(sub)
	require.Error(t, errE)
	assert.Equal(t, errs.SourceInternal, errs.GetSource(errE))
}

func TestChooseURLCanonical(t *testing.T) {
	sub := Submission{URL: "https://i.imgur.com/abc.jpg"}
	url, errE := ChooseURL(sub)
	require.NoError(t, errE)
	assert.Equal(t, "https://i.imgur.com/abc.jpg", url)
}

func TestChooseURLVideoUsesPreview(t *testing.T) {
	sub := Submission{IsVideo: true, URL: "https://example.com/video", Preview: strPtr("https://example.com/preview.jpg")}
	url, errE := ChooseURL(sub)
	require.NoError(t, errE)
	assert.Equal(t, "https://example.com/preview.jpg", url)
}

func TestChooseURLVideoNoPreviewFails(t *testing.T) {
	sub := Submission{IsVideo: true, URL: "https://example.com/video"}
	_, errE := ChooseURL(sub)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, errs.ErrVideoNoPreview)
}

func TestChooseURLVRedditUsesPreview(t *testing.T) {
	sub := Submission{URL: "https://v.redd.it/abc123", Preview: strPtr("https://example.com/preview.jpg")}
	url, errE := ChooseURL(sub)
	require.NoError(t, errE)
	assert.Equal(t, "https://example.com/preview.jpg", url)
}

func TestChooseURLVRedditNoPreviewFails(t *testing.T) {
	sub := Submission{URL: "https://v.redd.it/abc123"}
	_, errE := ChooseURL(sub)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, errs.ErrVReddItNoPreview)
}

func TestChooseURLInvalidURLFails(t *testing.T) {
	sub := Submission{URL: "not a url"}
	_, errE := ChooseURL(sub)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, errs.ErrURLInvalid)
}

func TestDesirablePromotedIsFalse(t *testing.T) {
	sub := Submission{Promoted: true, URL: "https://i.imgur.com/abc.jpg"}
	assert.False(t, Desirable(sub))
}

func TestDesirableSelfPostIsFalse(t *testing.T) {
	sub := Submission{IsSelf: true, URL: "https://i.imgur.com/abc.jpg"}
	assert.False(t, Desirable(sub))
}

func TestDesirableRecognizedExtension(t *testing.T) {
	sub := Submission{URL: "https://example.com/path/to/image.PNG"}
	assert.True(t, Desirable(sub))
}

func TestDesirableKnownImageHost(t *testing.T) {
	sub := Submission{URL: "https://imgur.com/gallery/abc"}
	assert.True(t, Desirable(sub))
}

func TestDesirableUnknownHostNoExtension(t *testing.T) {
	sub := Submission{URL: "https://example.com/some/article"}
	assert.False(t, Desirable(sub))
}

func TestDesirableInvalidURL(t *testing.T) {
	sub := Submission{URL: "://not-a-url"}
	assert.False(t, Desirable(sub))
}
