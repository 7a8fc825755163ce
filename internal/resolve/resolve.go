// Package resolve rewrites host-specific submission URLs (image-host
// albums, gif-host short pages, composite gif+sound pages, wiki file
// pages) to a direct, fetchable image URL.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
)

const (
	maxURLLength = 2000

	imageHost = "imgur.com"
	gifHost   = "gfycat.com"
	gifSound  = "gifsound.com"

	rapidAPIHost = "imgur-apiv3.p.rapidapi.com"
	lowRateLimitRemaining = 10
)

var imageExtensions = mapset.NewThreadUnsafeSet( //nolint:gochecknoglobals
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif",
	".pnm", ".pbm", ".pgm", ".ppm", ".tga", ".ico", ".hdr",
)

var videoExtensions = mapset.NewThreadUnsafeSet(".gifv", ".webm", ".mp4") //nolint:gochecknoglobals

// wikiFileRegexp matches /wiki/(File|Image):<title> on Wikimedia-family
// domains, restricted to the "<subdomain>.<project>.org" shape (a bare
// "<project>.org" host does not match either) so that e.g.
// "en.www.wikipedia.org" (not a real Wikimedia host pattern) does not
// match, per the specification's fixed-point test.
var wikiFileRegexp = regexp.MustCompile( //nolint:gochecknoglobals
	`^[a-z0-9-]+\.(wikipedia|wikimedia|wiktionary|wikibooks|wikiquote|wikisource|wikinews|wikiversity|wikidata|wikivoyage)\.org$`,
)

var wikiFilePathRegexp = regexp.MustCompile(`^/wiki/(?:File|Image):(.+)$`) //nolint:gochecknoglobals

// Config is the static configuration the resolver needs for auxiliary API
// calls.
type Config struct {
	ImgurClientID   string
	ImgurRapidAPIKey string
}

// Resolver rewrites submission URLs to direct image URLs.
type Resolver struct {
	config Config
	client *retryablehttp.Client
	logger zerolog.Logger

	cache *lru.Cache[string, string]

	// fatal is invoked when the imgur rate limit headroom drops below the
	// threshold; in production this terminates the process (an Internal
	// error per the specification), in tests it is a no-op recorder.
	fatal func(errors.E)
}

// New constructs a Resolver. fatal is called each time an imgur API
// response reports fewer than 10 requests remaining; pass nil to default to a
// panic, which callers in cmd/ replace with process exit.
func New(config Config, client *retryablehttp.Client, logger zerolog.Logger, fatal func(errors.E)) (*Resolver, errors.E) {
	cache, err := lru.New[string, string](1024)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if fatal == nil {
		fatal = func(errE errors.E) { panic(errE) } //nolint:forbidigo
	}
	return &Resolver{
		config: config,
		client: client,
		logger: logger,
		cache:  cache,
		fatal:  fatal,
	}, nil
}

// Resolve rewrites rawURL to a direct image URL, or fails with a
// categorized, user-visible error.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, errors.E) {
	if len(rawURL) > maxURLLength {
		errE := errors.WithStack(errs.ErrURLTooLong)
		errors.Details(errE)["length"] = len(rawURL)
		return "", errs.WithSource(errs.WithCode(errE, "url_too_long"), errs.SourceUser)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		errE := errors.WithStack(errs.ErrURLInvalid)
		errors.Details(errE)["url"] = rawURL
		return "", errs.WithSource(errE, errs.SourceUser)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errE := errors.WithStack(errs.ErrUnsupportedScheme)
		errors.Details(errE)["scheme"] = u.Scheme
		return "", errs.WithSource(errs.WithCode(errE, "unsupported_scheme"), errs.SourceUser)
	}
	if u.Host == "" {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrNoHost), "no_host"), errs.SourceUser)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	host := NormalizeHost(u.Host)
	path := u.Path

	onImageHost := host == imageHost || strings.HasSuffix(host, "."+imageHost)
	if onImageHost {
		// Image-host URLs are returned over https on the normalized host.
		u.Scheme = "https"
		u.Host = host
	}

	var (
		result string
		errE   errors.E
	)

	switch {
	case onImageHost && (strings.HasPrefix(path, "/a/") || strings.HasPrefix(path, "/gallery/")):
		result, errE = r.resolveImageAlbum(ctx, path)
	case onImageHost && hasRecognizedImageExtension(path):
		result, errE = u.String(), nil
	case onImageHost && strings.HasPrefix(path, "/download/"):
		result, errE = u.String(), nil
	case onImageHost && isBareID(path):
		result, errE = fmt.Sprintf("https://i.%s%s.jpg", imageHost, path), nil
	case host == gifHost && isBareID(path):
		result, errE = r.resolveGifHost(ctx, strings.TrimPrefix(path, "/"))
	case host == gifSound:
		result, errE = r.resolveGifSound(ctx, u)
	case wikiFileRegexp.MatchString(host) && wikiFilePathRegexp.MatchString(path):
		result, errE = r.resolveWikiFile(ctx, host, path)
	case hasRecognizedImageExtension(path):
		result, errE = u.String(), nil
	default:
		result, errE = u.String(), nil
	}
	if errE != nil {
		return "", errE
	}

	return percentEncodeQuerySafe(result), nil
}

func hasRecognizedImageExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range imageExtensions.ToSlice() {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// isBareID reports whether path is a single non-empty segment with no
// recognized extension, e.g. "/3EqtHIK" (as opposed to "/a/xyz" or
// "/3EqtHIK.jpg").
func isBareID(path string) bool {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return false
	}
	if hasRecognizedImageExtension(path) || hasVideoExtension(path) {
		return false
	}
	return true
}

func hasVideoExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range videoExtensions.ToSlice() {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// rewriteVideoExtension turns a .gifv/.webm/.mp4 suffix into .gif, per the
// album-resolution rule.
func rewriteVideoExtension(s string) string {
	lower := strings.ToLower(s)
	for _, ext := range []string{".gifv", ".webm", ".mp4"} {
		if strings.HasSuffix(lower, ext) {
			return s[:len(s)-len(ext)] + ".gif"
		}
	}
	return s
}

// --- Image-host album API ---

type albumImage struct {
	Link string `json:"link"`
}

type albumResponse struct {
	Data struct {
		Images []albumImage `json:"images"`
		Link   string       `json:"link"`
	} `json:"data"`
}

func (r *Resolver) resolveImageAlbum(ctx context.Context, path string) (string, errors.E) {
	id := strings.TrimPrefix(strings.TrimPrefix(path, "/a/"), "/gallery/")
	id = strings.TrimSuffix(id, "/")
	// Drop any trailing multi-image suffix ("id,other,other") -- only the
	// first image of the album is resolved.
	if i := strings.IndexByte(id, ','); i >= 0 {
		id = id[:i]
	}

	if cached, ok := r.cache.Get("album:" + id); ok {
		return rewriteVideoExtension(cached), nil
	}

	endpoints := []string{
		fmt.Sprintf("https://%s/3/album/%s/images", rapidAPIHost, id),
		fmt.Sprintf("https://%s/3/gallery/album/%s", rapidAPIHost, id),
	}

	var link string
	for _, endpoint := range endpoints {
		resp, errE := r.doRapidAPI(ctx, endpoint)
		if errE != nil {
			continue
		}
		var parsed struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(resp, &parsed); err != nil {
			continue
		}
		var images []albumImage
		if err := json.Unmarshal(parsed.Data, &images); err == nil && len(images) > 0 {
			link = images[0].Link
			break
		}
		var single struct {
			Images []albumImage `json:"images"`
		}
		if err := json.Unmarshal(parsed.Data, &single); err == nil && len(single.Images) > 0 {
			link = single.Images[0].Link
			break
		}
	}
	if link == "" {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrImgurAlbumEmpty), "imgur_album_empty"), errs.SourceExternal)
	}

	r.cache.Add("album:"+id, link)
	return rewriteVideoExtension(link), nil
}

func (r *Resolver) doRapidAPI(ctx context.Context, endpoint string) ([]byte, errors.E) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("X-RapidAPI-Host", rapidAPIHost)
	req.Header.Set("X-RapidAPI-Key", r.config.ImgurRapidAPIKey)
	req.Header.Set("Authorization", "Client-ID "+r.config.ImgurClientID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	if remaining := resp.Header.Get("x-ratelimit-requests-remaining"); remaining != "" {
		r.checkRateLimitHeadroom(remaining)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		errE := errors.WithStack(errs.ErrImgurJSONBad)
		errors.Details(errE)["status"] = resp.StatusCode
		errors.Details(errE)["body"] = strings.TrimSpace(string(body))
		return nil, errs.WithSource(errE, errs.SourceExternal)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	return body, nil
}

func (r *Resolver) checkRateLimitHeadroom(remaining string) {
	var n int
	for _, c := range []byte(remaining) {
		if c < '0' || c > '9' {
			return
		}
		n = n*10 + int(c-'0')
	}
	if n < lowRateLimitRemaining {
		errE := errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrRateLimitExhausted), "rate_limit_exhausted"), errs.SourceInternal)
		errors.Details(errE)["remaining"] = n
		r.fatal(errE)
	}
}

// --- Gif-host API ---

type gfycatResponse struct {
	GfyItem struct {
		MobilePosterURL string `json:"mobilePosterUrl"`
	} `json:"gfyItem"`
}

func (r *Resolver) resolveGifHost(ctx context.Context, id string) (string, errors.E) {
	if cached, ok := r.cache.Get("gfy:" + id); ok {
		return cached, nil
	}

	endpoint := fmt.Sprintf("https://api.gfycat.com/v1/gfycats/%s", id)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrGfycatNoID), "gfycat_no_id"), errs.SourceExternal)
	}

	var parsed gfycatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrGfycatJSONBad), "gfycat_json_bad"), errs.SourceExternal)
	}
	if parsed.GfyItem.MobilePosterURL == "" {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrGfycatNoID), "gfycat_no_id"), errs.SourceExternal)
	}

	r.cache.Add("gfy:"+id, parsed.GfyItem.MobilePosterURL)
	return parsed.GfyItem.MobilePosterURL, nil
}

// --- Composite gif+sound pages ---

func (r *Resolver) resolveGifSound(_ context.Context, u *url.URL) (string, errors.E) {
	q := u.Query()
	for _, key := range []string{"gif", "gifv"} {
		if v := q.Get(key); v != "" {
			return canonicalizeGifSoundValue(v)
		}
	}
	for _, key := range []string{"mp4", "webm"} {
		if v := q.Get(key); v != "" {
			vu, err := url.Parse(v)
			if err == nil && (NormalizeHost(vu.Host) == imageHost || strings.HasSuffix(NormalizeHost(vu.Host), "."+imageHost)) {
				return canonicalizeGifSoundValue(v)
			}
			return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrGifsoundUnsupported), "gifsound_unsupported"), errs.SourceUser)
		}
	}
	return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrGifsoundNoGif), "gifsound_no_gif"), errs.SourceUser)
}

func canonicalizeGifSoundValue(v string) (string, errors.E) {
	vu, err := url.Parse(v)
	if err == nil && (vu.Scheme == "http" || vu.Scheme == "https") &&
		(NormalizeHost(vu.Host) == imageHost || strings.HasSuffix(NormalizeHost(vu.Host), "."+imageHost)) {
		id := strings.TrimSuffix(strings.Trim(vu.Path, "/"), "")
		id = strings.TrimSuffix(id, ".gif")
		id = strings.TrimSuffix(id, ".gifv")
		id = strings.TrimSuffix(id, ".mp4")
		id = strings.TrimSuffix(id, ".webm")
		return fmt.Sprintf("https://i.%s/%s.gif", imageHost, id), nil
	}
	// Bare id without scheme/host: treat the whole value as an imgur id.
	if err != nil || vu.Scheme == "" {
		id := strings.TrimSuffix(v, ".gifv")
		return fmt.Sprintf("https://i.%s/%s.gif", imageHost, id), nil
	}
	if vu.Scheme != "http" && vu.Scheme != "https" {
		errE := errors.WithStack(errs.ErrURLInvalid)
		errors.Details(errE)["url"] = v
		return "", errs.WithSource(errE, errs.SourceUser)
	}
	return v, nil
}

// --- Wiki file pages ---

type wikiAPIResponse struct {
	Query struct {
		Pages map[string]struct {
			ImageInfo []struct {
				URL      string `json:"url"`
				ThumbURL string `json:"thumburl"`
				Mime     string `json:"mime"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

var supportedWikiMime = mapset.NewThreadUnsafeSet( //nolint:gochecknoglobals
	"image/png", "image/jpeg", "image/gif", "image/webp",
	"image/x-portable-anymap", "image/tiff", "image/x-targa", "image/x-tga",
	"image/bmp", "image/vnd.microsoft.icon", "image/vnd.radiance",
)

func (r *Resolver) resolveWikiFile(ctx context.Context, domain, path string) (string, errors.E) {
	m := wikiFilePathRegexp.FindStringSubmatch(path)
	if m == nil || m[1] == "" {
		return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrWikiNoTitle), "wiki_no_title"), errs.SourceUser)
	}
	title, err := url.PathUnescape(m[1])
	if err != nil {
		title = m[1]
	}

	cacheKey := "wiki:" + domain + ":" + title
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached, nil
	}

	// Thumbnail width is hardcoded to 500px, per the specification's open
	// question decision recorded in DESIGN.md.
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("prop", "imageinfo")
	data.Set("iiprop", "url|mime")
	data.Set("iiurlwidth", "500")
	data.Set("titles", "File:"+title)

	endpoint := fmt.Sprintf("https://%s/w/api.php?%s", domain, data.Encode())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}
	defer resp.Body.Close() //nolint:errcheck

	var parsed wikiAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errs.WithSource(errors.WithStack(err), errs.SourceExternal)
	}

	for _, page := range parsed.Query.Pages {
		if len(page.ImageInfo) == 0 {
			continue
		}
		info := page.ImageInfo[0]
		if !supportedWikiMime.Contains(strings.ToLower(info.Mime)) {
			continue
		}
		result := info.URL
		if result == "" {
			result = info.ThumbURL
		}
		if result != "" {
			r.cache.Add(cacheKey, result)
			return result, nil
		}
	}

	return "", errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrWikiNoImage), "wiki_no_image"), errs.SourceExternal)
}

// percentEncodeQuerySafe percent-encodes raw using a query-safe character
// set over the entire string, per the specification's normative encoding
// requirement. url.Parse/String already canonicalizes most of this; we
// apply PathEscape-equivalent treatment to the full string only when it
// still contains characters outside the safe set (i.e. raw was not
// already a well-formed URL string), to avoid double-encoding.
func percentEncodeQuerySafe(raw string) string {
	needsEncoding := false
	for i := 0; i < len(raw); i++ {
		if !querySafe(raw[i]) {
			needsEncoding = true
			break
		}
	}
	if !needsEncoding {
		return raw
	}

	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if querySafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// querySafe is the character class left unescaped: unreserved characters
// plus the URL structural delimiters a caller needs intact (":/?#[]@!$&'()*+,;=%").
func querySafe(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~',
		':', '/', '?', '#', '[', ']', '@',
		'!', '$', '&', '\'', '(', ')', '*', '+', ',', ';', '=', '%':
		return true
	}
	return false
}
