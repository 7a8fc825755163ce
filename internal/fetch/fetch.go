// Package fetch performs the actual image retrieval: a GET with an
// Accept header listing the supported image MIME types, a browser-like
// user agent, bounded redirects, and content-type validation.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
)

const (
	userAgent     = "Mozilla/5.0 (compatible; imagedex/1.0; +https://gitlab.com/tozd/imagedex)"
	maxRedirects  = 10
	defaultTimeout = 20 * time.Second
	maxBodyBytes  = 64 << 20
)

// SupportedMIMETypes are the eleven image MIME types this system fetches
// and hashes.
var SupportedMIMETypes = []string{ //nolint:gochecknoglobals
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
	"image/x-portable-anymap",
	"image/x-targa",
	"image/x-tga",
	"image/vnd.microsoft.icon",
	"image/vnd.radiance",
}

var supportedMIMESet = func() map[string]bool { //nolint:gochecknoglobals
	m := make(map[string]bool, len(SupportedMIMETypes))
	for _, t := range SupportedMIMETypes {
		m[t] = true
	}
	return m
}()

// photobucketTLD is the host suffix for which image/webp must be excluded
// from the Accept header (a known-broken transcoding path on that host).
const photobucketTLD = "photobucket.com"

// imageHostPrefix is the direct-image subdomain used to detect the
// "removed" placeholder redirect target and to drive the extension
// rewrite on a redirect chain that terminates on the image host.
const imageHostPrefix = "i.imgur.com"

// Result is the outcome of a successful fetch.
type Result struct {
	FinalURL    string
	ContentType string
	CacheControl string
	Expires     string
	ETag        string
	Body        []byte
}

// Client performs content fetches using a pooled, redirect-limited HTTP
// client, grounded on the teacher's go-cleanhttp-based transport
// construction.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// New constructs a Client. timeout must be between 10s and 30s; values
// outside that range are clamped.
func New(timeout time.Duration) *Client {
	if timeout < 10*time.Second {
		timeout = 10 * time.Second
	}
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}

	return &Client{http: httpClient, timeout: timeout}
}

// Fetch issues the GET described in the package documentation and
// applies all of the content-fetcher's validation policies.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Result, errors.E) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		errE := errors.WithStack(errs.ErrURLInvalid)
		errors.Details(errE)["url"] = rawURL
		return nil, errs.WithSource(errE, errs.SourceUser)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader(req.URL))

	resp, err := c.http.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() { //nolint:errorlint
			return nil, errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrTimeout), "timeout"), errs.SourceExternal)
		}
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["error"] = err.Error()
		return nil, errs.WithSource(errs.WithCode(errE, "transport"), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	finalURL := resp.Request.URL.String()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if isRemovedPlaceholder(location) || isRemovedPlaceholder(finalURL) {
			return nil, errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrImgurRemoved), "imgur_removed"), errs.SourceExternal)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		code := errs.HTTPStatusCode(resp.StatusCode)
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["status"] = resp.StatusCode
		return nil, errs.WithSource(errs.WithCode(errE, code), errs.SourceExternal)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType := parseMediaType(contentType)
	if mediaType != "" && !supportedMIMESet[mediaType] {
		errE := errors.WithStack(errs.ErrContentTypeUnsupported)
		errors.Details(errE)["content_type"] = contentType
		return nil, errs.WithSource(errs.WithCode(errE, "content_type_unsupported"), errs.SourceUser)
	}

	if isRemovedPlaceholder(finalURL) {
		return nil, errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrImgurRemoved), "imgur_removed"), errs.SourceExternal)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		errE := errors.WithStack(errs.ErrTransport)
		errors.Details(errE)["error"] = err.Error()
		return nil, errs.WithSource(errs.WithCode(errE, "transport"), errs.SourceExternal)
	}

	finalURL = rewriteExtensionFromContentType(finalURL, mediaType)

	return &Result{
		FinalURL:     finalURL,
		ContentType:  contentType,
		CacheControl: resp.Header.Get("Cache-Control"),
		Expires:      resp.Header.Get("Expires"),
		ETag:         resp.Header.Get("ETag"),
		Body:         body,
	}, nil
}

// acceptHeader builds the Accept header, excluding image/webp for the
// photobucket host per policy.
func acceptHeader(u *url.URL) string {
	types := SupportedMIMETypes
	if u != nil && strings.HasSuffix(strings.ToLower(u.Hostname()), photobucketTLD) {
		filtered := make([]string, 0, len(types)-1)
		for _, t := range types {
			if t != "image/webp" {
				filtered = append(filtered, t)
			}
		}
		types = filtered
	}
	return strings.Join(types, ",")
}

func isRemovedPlaceholder(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, imageHostPrefix) && strings.EqualFold(strings.TrimPrefix(u.Path, "/"), "removed.png")
}

// parseMediaType extracts the media type from a Content-Type header
// value, discarding parameters such as charset.
func parseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// extensionsByMIME maps a media type to its canonical file extension,
// for the redirect-terminus extension rewrite.
var extensionsByMIME = map[string]string{ //nolint:gochecknoglobals
	"image/png":               ".png",
	"image/jpeg":               ".jpg",
	"image/gif":               ".gif",
	"image/webp":               ".webp",
	"image/bmp":               ".bmp",
	"image/tiff":               ".tiff",
	"image/x-portable-anymap":  ".pnm",
	"image/x-targa":            ".tga",
	"image/x-tga":              ".tga",
	"image/vnd.microsoft.icon": ".ico",
	"image/vnd.radiance":       ".hdr",
}

// rewriteExtensionFromContentType rewrites finalURL's extension to match
// mediaType when the redirect chain ended on the image host and the
// server-reported type disagrees with the URL's existing extension.
func rewriteExtensionFromContentType(finalURL, mediaType string) string {
	ext, ok := extensionsByMIME[mediaType]
	if !ok {
		return finalURL
	}
	u, err := url.Parse(finalURL)
	if err != nil || !strings.EqualFold(u.Hostname(), imageHostPrefix) {
		return finalURL
	}
	current := strings.ToLower(u.Path)
	if strings.HasSuffix(current, ext) {
		return finalURL
	}
	if i := strings.LastIndexByte(u.Path, '.'); i >= 0 {
		u.Path = u.Path[:i] + ext
	} else {
		u.Path += ext
	}
	return u.String()
}
