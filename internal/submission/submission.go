// Package submission holds the Submission data model and the three
// operations the ingestion pipeline runs over it before fetching an
// image: finalize, choose_url, and desirable.
package submission

import (
	"html"
	"net/url"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
	"gitlab.com/tozd/imagedex/internal/resolve"
)

// videoHosts are domains whose canonical URL is never the direct image
// and whose preview field must be used instead.
var videoHosts = mapset.NewThreadUnsafeSet("v.redd.it") //nolint:gochecknoglobals

// imageExtensions are file extensions recognized as already pointing at
// an image, independent of host.
var imageExtensions = mapset.NewThreadUnsafeSet( //nolint:gochecknoglobals
	".jpg", ".jpeg", ".png", ".gif", ".gifv", ".webp", ".bmp", ".tiff", ".tif",
)

// imageOrVideoHosts are domains desirable() treats as plausibly hosting
// fetchable media even without a recognized extension (albums, short
// pages, gif+sound pages, and so on -- see internal/resolve for the
// matching dispatch table). Wikimedia hosts are not in the set, so a wiki
// file page is desirable only when its path ends in a recognized extension.
var imageOrVideoHosts = mapset.NewThreadUnsafeSet( //nolint:gochecknoglobals
	"imgur.com", "i.imgur.com", "m.imgur.com",
	"gfycat.com",
	"gifsound.com",
	"v.redd.it",
)

// Submission is a single platform post, as ingested and (after Finalize)
// enriched.
type Submission struct {
	ID       string // base-36 platform id, e.g. "abc123"
	IDInt    int64  // numeric decoding of ID; must agree with ID

	Author      string
	CreatedUTC  int64 // UTC seconds, non-negative
	NSFW        bool
	IsSelf      bool
	IsVideo     bool
	Permalink   string
	URL         string
	Title       string
	Subreddit   string
	Score       int64
	Promoted    bool

	Preview         *string
	Thumbnail       *string
	ThumbnailWidth  *int
	ThumbnailHeight *int
	Spoiler         *bool

	// CrosspostParent is the numeric id of the crosspost parent, if set.
	// Submission has no JSON field tags, and nothing in this package
	// decodes the wire form "t3_<base36>" into it.
	CrosspostParent *int64

	// Updated is stamped from the feed response's Date header (listing
	// poller only); zero value means "not stamped".
	Updated int64
}

// Finalize unescapes HTML entities in URL/Title/Preview and derives
// IDInt from ID. It must be called exactly once, before Desirable or
// ChooseURL, and the result is treated as immutable afterward.
func Finalize(s Submission) (Submission, errors.E) {
	s.URL = html.UnescapeString(s.URL)
	s.Title = html.UnescapeString(s.Title)
	if s.Preview != nil {
		unescaped := html.UnescapeString(*s.Preview)
		s.Preview = &unescaped
	}

	idInt, err := strconv.ParseInt(s.ID, 36, 64)
	if err != nil {
		errE := errors.WithStack(errs.ErrIDParse)
		errors.Details(errE)["id"] = s.ID
		return Submission{}, errs.WithSource(errE, errs.SourceInternal)
	}
	s.IDInt = idInt

	return s, nil
}

// ChooseURL returns the URL the content fetcher should fetch: the preview
// for video submissions and for v.redd.it submissions (whose canonical
// URL never points at a fetchable image), the canonical URL otherwise.
func ChooseURL(s Submission) (string, errors.E) {
	if s.IsVideo {
		if s.Preview == nil || *s.Preview == "" {
			return "", errs.WithSource(errors.WithStack(errs.ErrVideoNoPreview), errs.SourceUser)
		}
		if errE := validURL(*s.Preview); errE != nil {
			return "", errE
		}
		return *s.Preview, nil
	}

	u, err := url.Parse(s.URL)
	if err == nil && videoHosts.Contains(resolve.NormalizeHost(u.Host)) {
		if s.Preview == nil || *s.Preview == "" {
			return "", errs.WithSource(errors.WithStack(errs.ErrVReddItNoPreview), errs.SourceUser)
		}
		if errE := validURL(*s.Preview); errE != nil {
			return "", errE
		}
		return *s.Preview, nil
	}

	if errE := validURL(s.URL); errE != nil {
		return "", errE
	}
	return s.URL, nil
}

func validURL(raw string) errors.E {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errE := errors.WithStack(errs.ErrURLInvalid)
		errors.Details(errE)["url"] = raw
		return errs.WithSource(errE, errs.SourceUser)
	}
	return nil
}

// Desirable reports whether a finalized submission is worth fetching at
// all: not promoted, not a self-post, and either its URL carries a
// recognized image extension or its host is a known image/video host.
func Desirable(s Submission) bool {
	if s.Promoted || s.IsSelf {
		return false
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return false
	}

	path := strings.ToLower(u.Path)
	for _, ext := range imageExtensions.ToSlice() {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return imageOrVideoHosts.Contains(resolve.NormalizeHost(u.Host))
}
