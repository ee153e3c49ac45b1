// Package kumo implements the adapter for kumo.to, the primary gallery
// source. The site sits behind an aggressive bot wall and its plain DNS
// answers are poisoned by several ISPs, so every request goes through the
// full escalation chain.
package kumo

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/source"
)

const (
	// Key is the adapter identifier and the solver family / cookie group.
	Key = "kumo"

	baseURL = "https://kumo.to"

	// poolSize stays below the default: kumo rate-limits image CDN pulls.
	poolSize = 4

	// maxGalleryPages caps pagination as a runaway-loop safety net.
	maxGalleryPages = 100
)

var galleryURLRe = regexp.MustCompile(`^https?://(?:www\.)?kumo\.to/g/(\d+)/?`)

// MetadataByCatalog is the slice of the mirror adapter used to cross-reference
// richer tag and title data. Optional; nil disables enrichment.
type MetadataByCatalog interface {
	MetadataByCatalogID(ctx context.Context, id string) (*source.Metadata, error)
}

// Adapter implements source.Adapter for kumo.to.
type Adapter struct {
	fetcher source.Fetcher
	mirror  MetadataByCatalog
	logger  zerolog.Logger
}

// New creates the kumo adapter. mirror may be nil.
func New(fetcher source.Fetcher, mirror MetadataByCatalog, logger zerolog.Logger) *Adapter {
	return &Adapter{
		fetcher: fetcher,
		mirror:  mirror,
		logger:  logger.With().Str("component", "source").Str("source", Key).Logger(),
	}
}

// Key implements source.Adapter.
func (a *Adapter) Key() string { return Key }

// Concurrency implements source.Adapter.
func (a *Adapter) Concurrency() int { return poolSize }

// Matches implements source.Adapter.
func (a *Adapter) Matches(rawURL string) bool {
	return galleryURLRe.MatchString(rawURL)
}

// MirrorKey implements source.Mirrored.
func (a *Adapter) MirrorKey() string { return "hibi" }

// CatalogID implements source.Mirrored.
func (a *Adapter) CatalogID(rawURL string) (string, bool) {
	m := galleryURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Metadata implements source.Adapter. When the mirror is wired, its tag set
// is merged in for richer taxonomy data.
func (a *Adapter) Metadata(ctx context.Context, rawURL string) (*source.Metadata, error) {
	doc, err := a.fetchDoc(ctx, rawURL, baseURL)
	if err != nil {
		return nil, err
	}
	if err := checkAuthWall(doc); err != nil {
		return nil, err
	}

	meta := &source.Metadata{
		Title:    strings.TrimSpace(doc.Find("#gallery-info h1.title").First().Text()),
		CoverURL: attr(doc.Find("#cover img").First(), "data-src", "src"),
	}
	if meta.Title == "" {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: "missing gallery title"}
	}

	doc.Find("#tags .tag-container").Each(func(_ int, container *goquery.Selection) {
		kind := strings.TrimSpace(container.AttrOr("data-kind", ""))
		container.Find("a.tag .name").Each(func(_ int, el *goquery.Selection) {
			value := strings.TrimSpace(el.Text())
			if value == "" {
				return
			}
			switch kind {
			case "artists":
				if meta.Artist == "" {
					meta.Artist = value
				}
			case "parodies":
				if meta.Parody == "" {
					meta.Parody = value
				}
			case "categories":
				if meta.ContentType == "" {
					meta.ContentType = value
				}
			default:
				meta.Tags = append(meta.Tags, value)
			}
		})
	})

	if count := strings.TrimSpace(doc.Find("#page-count").First().Text()); count != "" {
		if n, err := strconv.Atoi(count); err == nil {
			meta.PageCount = n
		}
	}

	a.enrichFromMirror(ctx, rawURL, meta)
	return meta, nil
}

// enrichFromMirror merges the mirror's tag set and fills gaps in the title.
// Enrichment is best-effort: mirror failures are logged, never raised.
func (a *Adapter) enrichFromMirror(ctx context.Context, rawURL string, meta *source.Metadata) {
	if a.mirror == nil {
		return
	}
	id, ok := a.CatalogID(rawURL)
	if !ok {
		return
	}
	mirrorMeta, err := a.mirror.MetadataByCatalogID(ctx, id)
	if err != nil {
		a.logger.Debug().Err(err).Str("catalogId", id).Msg("mirror metadata lookup failed")
		return
	}
	meta.Tags = source.MergeTags(meta.Tags, mirrorMeta.Tags)
	if meta.Parody == "" {
		meta.Parody = mirrorMeta.Parody
	}
	if meta.Artist == "" {
		meta.Artist = mirrorMeta.Artist
	}
}

// Images implements source.Adapter. Gallery thumbnails are paginated; each
// page is followed through its "next" link up to the iteration ceiling.
func (a *Adapter) Images(ctx context.Context, rawURL string) ([]source.ImageCandidate, error) {
	m := galleryURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: "not a gallery URL"}
	}
	galleryURL := fmt.Sprintf("%s/g/%s/", baseURL, m[1])

	var candidates []source.ImageCandidate
	pageURL := galleryURL

	for page := 0; page < maxGalleryPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		doc, err := a.fetchDoc(ctx, pageURL, galleryURL)
		if err != nil {
			return nil, err
		}
		if err := checkAuthWall(doc); err != nil {
			return nil, err
		}

		found := 0
		doc.Find(".thumb-container a.gallerythumb").Each(func(_ int, link *goquery.Selection) {
			href := strings.TrimSpace(link.AttrOr("href", ""))
			thumb := attr(link.Find("img").First(), "data-src", "src")
			if href == "" || thumb == "" {
				return
			}
			full, fallback := imageFromThumb(thumb)
			candidates = append(candidates, source.ImageCandidate{
				URL:         full,
				FallbackURL: fallback,
				PageURL:     absURL(href),
				Index:       len(candidates),
				Headers:     map[string]string{"Referer": galleryURL},
			})
			found++
		})
		if found == 0 {
			return nil, &source.ParseError{Source: Key, URL: pageURL, Reason: "no thumbnails on gallery page"}
		}

		next := attr(doc.Find("a.next").First(), "href")
		if next == "" {
			break
		}
		pageURL = absURL(next)
	}

	if len(candidates) == 0 {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: "empty gallery"}
	}
	a.logger.Debug().Int("pages", len(candidates)).Str("url", rawURL).Msg("resolved image list")
	return candidates, nil
}

// RefreshImage implements source.Refresher: image URLs carry expiring tokens
// and can be re-derived from the stable per-page URL.
func (a *Adapter) RefreshImage(ctx context.Context, pageURL string) (*source.ImageCandidate, error) {
	doc, err := a.fetchDoc(ctx, pageURL, baseURL)
	if err != nil {
		return nil, err
	}

	src := attr(doc.Find("#image-container img").First(), "data-src", "src")
	if src == "" {
		return nil, &source.ParseError{Source: Key, URL: pageURL, Reason: "no image on page"}
	}
	return &source.ImageCandidate{
		URL:     src,
		PageURL: pageURL,
		Headers: map[string]string{"Referer": pageURL},
	}, nil
}

func (a *Adapter) fetchDoc(ctx context.Context, rawURL, referer string) (*goquery.Document, error) {
	body, err := a.fetcher.Fetch(ctx, rawURL, referer)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: err.Error()}
	}
	return doc, nil
}

// checkAuthWall distinguishes the source's login wall from ordinary parse
// failures; the orchestrator routes the two differently.
func checkAuthWall(doc *goquery.Document) error {
	if doc.Find("form#login-form, .login-required").Length() > 0 {
		return &source.AuthRequiredError{Source: Key}
	}
	return nil
}

// thumbRe rewrites a thumbnail URL into the full-size image URL:
// t.kumo.to/galleries/<media>/<n>t.<ext> -> i.kumo.to/galleries/<media>/<n>.<ext>.
var thumbRe = regexp.MustCompile(`^https://t\.kumo\.to/galleries/(\d+)/(\d+)t\.(\w+)$`)

func imageFromThumb(thumb string) (full, fallback string) {
	m := thumbRe.FindStringSubmatch(thumb)
	if m == nil {
		return thumb, ""
	}
	full = fmt.Sprintf("https://i.kumo.to/galleries/%s/%s.%s", m[1], m[2], m[3])
	// i2 is the overflow CDN; same path, occasionally has images i drops.
	fallback = fmt.Sprintf("https://i2.kumo.to/galleries/%s/%s.%s", m[1], m[2], m[3])
	return full, fallback
}

func absURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return baseURL + href
}

// attr returns the first non-empty attribute of the listed names.
func attr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
