// Package errs defines the error taxonomy shared by the URL resolver,
// content fetcher, hash store, and submission store.
package errs

import (
	"strconv"

	"gitlab.com/tozd/go/errors"
)

// Source classifies where the fault for an error lies, which in turn
// determines how the ingestion orchestrator handles it.
type Source string

const (
	// SourceInternal marks a programmer invariant violation. The
	// orchestrator treats it as fatal.
	SourceInternal Source = "internal"
	// SourceExternal marks a remote host problem. Logged and, for
	// per-item failures, stored as a save_error code.
	SourceExternal Source = "external"
	// SourceUser marks bad input. Returned as a 4xx on the query surface,
	// or stored as a save_error code during ingestion.
	SourceUser Source = "user"
)

// DetailSource is the errors.Details key under which Source is recorded.
const DetailSource = "source"

// DetailCode is the errors.Details key under which the stable save_error
// wire code is recorded.
const DetailCode = "code"

// Sentinel errors, one per taxonomy entry in the specification. Call sites
// attach a Source and, for most failure modes, a stable wire Code via
// WithSource/WithCode below, not via distinct Go types, matching how the
// corpus attaches structured detail to a shared errors.Base sentinel.
// Some call sites (invalid URLs, undecodable images, missing previews, id
// parsing) attach no Code; GetCode reports those as "internal_error".
var (
	ErrURLInvalid                = errors.Base("url invalid")
	ErrURLTooLong                = errors.Base("url too long")
	ErrUnsupportedScheme         = errors.Base("unsupported scheme")
	ErrNoHost                    = errors.Base("no host")
	ErrContentTypeUnsupported    = errors.Base("content type unsupported")
	ErrImageInvalid              = errors.Base("image invalid")
	ErrImageColorSpaceUnsupported = errors.Base("image color space unsupported")
	ErrImgurRemoved              = errors.Base("imgur removed")
	ErrImgurAlbumEmpty           = errors.Base("imgur album empty")
	ErrImgurJSONBad              = errors.Base("imgur json bad")
	ErrImgurNoID                 = errors.Base("imgur no id")
	ErrGfycatNoID                = errors.Base("gfycat no id")
	ErrGfycatJSONBad             = errors.Base("gfycat json bad")
	ErrGifsoundNoGif             = errors.Base("gifsound no gif")
	ErrGifsoundUnsupported       = errors.Base("gifsound unsupported")
	ErrWikiNoTitle               = errors.Base("wiki no title")
	ErrWikiNoImage               = errors.Base("wiki no image")
	ErrTimeout                   = errors.Base("timeout")
	ErrTransport                 = errors.Base("transport")
	ErrCacheControlParse         = errors.Base("cache control parse")
	ErrDbConflictNoMatch         = errors.Base("conflict but no match")
	ErrQueryTimeout              = errors.Base("query took too long")
	ErrRateLimitExhausted        = errors.Base("rate limit exhausted")
	ErrVideoNoPreview            = errors.Base("video has no preview")
	ErrVReddItNoPreview          = errors.Base("v.redd.it submission has no preview")
	ErrIDParse                   = errors.Base("id is not valid base36")
)

// WithSource annotates errE with a Source, returning errE for chaining.
func WithSource(errE errors.E, source Source) errors.E {
	if errE == nil {
		return nil
	}
	errors.Details(errE)[DetailSource] = string(source)
	return errE
}

// WithCode annotates errE with the stable wire code stored in save_error.
func WithCode(errE errors.E, code string) errors.E {
	if errE == nil {
		return nil
	}
	errors.Details(errE)[DetailCode] = code
	return errE
}

// GetSource returns the Source attached to errE, defaulting to
// SourceExternal when none was recorded (a cautious default: unannotated
// errors are never accidentally treated as merely user-caused).
func GetSource(errE errors.E) Source {
	if errE == nil {
		return ""
	}
	if v, ok := errors.Details(errE)[DetailSource]; ok {
		if s, ok := v.(string); ok {
			return Source(s)
		}
	}
	return SourceExternal
}

// GetCode returns the stable wire code attached to errE, for storage in
// save_error. Falls back to "internal_error" so a code is always present.
func GetCode(errE errors.E) string {
	if errE == nil {
		return ""
	}
	if v, ok := errors.Details(errE)[DetailCode]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "internal_error"
}

// HTTPStatusCode builds the http_<N> wire code for a non-2xx/3xx response.
func HTTPStatusCode(status int) string {
	return "http_" + strconv.Itoa(status)
}
