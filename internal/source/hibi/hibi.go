// Package hibi implements the adapter for hibi.pics, a mirror that serves
// the same catalog as kumo at higher fidelity. It is also usable as a source
// in its own right; as a mirror it is consulted by the arbitrator and for
// tag enrichment.
package hibi

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
	// Key is the adapter identifier and cookie group.
	Key = "hibi"

	baseURL = "https://hibi.pics"

	// The mirror CDN tolerates the default pool size.
	poolSize = 5
)

var viewURLRe = regexp.MustCompile(`^https?://(?:www\.)?hibi\.pics/view/(\d+)/?`)

// Adapter implements source.Adapter and source.CatalogLister for hibi.pics.
type Adapter struct {
	fetcher source.Fetcher
	logger  zerolog.Logger
}

// New creates the hibi adapter.
func New(fetcher source.Fetcher, logger zerolog.Logger) *Adapter {
	return &Adapter{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "source").Str("source", Key).Logger(),
	}
}

// Key implements source.Adapter.
func (a *Adapter) Key() string { return Key }

// Concurrency implements source.Adapter.
func (a *Adapter) Concurrency() int { return poolSize }

// Matches implements source.Adapter.
func (a *Adapter) Matches(rawURL string) bool {
	return viewURLRe.MatchString(rawURL)
}

// Metadata implements source.Adapter.
func (a *Adapter) Metadata(ctx context.Context, rawURL string) (*source.Metadata, error) {
	m := viewURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: "not a view URL"}
	}
	return a.MetadataByCatalogID(ctx, m[1])
}

// MetadataByCatalogID resolves metadata straight from a shared catalog id.
func (a *Adapter) MetadataByCatalogID(ctx context.Context, id string) (*source.Metadata, error) {
	viewURL := fmt.Sprintf("%s/view/%s", baseURL, id)
	doc, err := a.fetchDoc(ctx, viewURL)
	if err != nil {
		return nil, err
	}

	meta := &source.Metadata{
		Title:    strings.TrimSpace(doc.Find("h1.gallery-title").First().Text()),
		CoverURL: attr(doc.Find(".cover img").First(), "data-src", "src"),
	}
	if meta.Title == "" {
		return nil, &source.ParseError{Source: Key, URL: viewURL, Reason: "missing gallery title"}
	}

	doc.Find("ul.tag-list li a").Each(func(_ int, el *goquery.Selection) {
		value := strings.TrimSpace(el.Text())
		if value == "" {
			return
		}
		switch el.AttrOr("data-type", "") {
		case "artist":
			if meta.Artist == "" {
				meta.Artist = value
			}
		case "series":
			if meta.Parody == "" {
				meta.Parody = value
			}
		case "type":
			if meta.ContentType == "" {
				meta.ContentType = value
			}
		default:
			meta.Tags = append(meta.Tags, value)
		}
	})

	meta.PageCount = doc.Find(".page-grid .page-thumb").Length()
	return meta, nil
}

// Images implements source.Adapter.
func (a *Adapter) Images(ctx context.Context, rawURL string) ([]source.ImageCandidate, error) {
	m := viewURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: "not a view URL"}
	}
	return a.ImagesByCatalogID(ctx, m[1])
}

// ImagesByCatalogID implements source.CatalogLister. The view page lists all
// pages at once with their pixel dimensions, which the arbitrator compares
// against the primary source's candidates.
func (a *Adapter) ImagesByCatalogID(ctx context.Context, id string) ([]source.ImageCandidate, error) {
	viewURL := fmt.Sprintf("%s/view/%s", baseURL, id)
	doc, err := a.fetchDoc(ctx, viewURL)
	if err != nil {
		return nil, err
	}

	var candidates []source.ImageCandidate
	doc.Find(".page-grid .page-thumb").Each(func(_ int, el *goquery.Selection) {
		full := attr(el, "data-full")
		if full == "" {
			return
		}
		width, _ := strconv.Atoi(el.AttrOr("data-width", "0"))
		height, _ := strconv.Atoi(el.AttrOr("data-height", "0"))
		candidates = append(candidates, source.ImageCandidate{
			URL:     full,
			Index:   len(candidates),
			Width:   width,
			Height:  height,
			Headers: map[string]string{"Referer": viewURL},
		})
	})

	if len(candidates) == 0 {
		return nil, &source.ParseError{Source: Key, URL: viewURL, Reason: "no pages in view"}
	}
	return candidates, nil
}

func (a *Adapter) fetchDoc(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := a.fetcher.Fetch(ctx, rawURL, baseURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &source.ParseError{Source: Key, URL: rawURL, Reason: err.Error()}
	}
	return doc, nil
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
