// Package source defines the per-site adapter contract and the ordered
// registry that resolves a URL to the adapter claiming it.
package source

import (
	"context"
)

// Metadata describes a gallery as reported by its source.
type Metadata struct {
	Title       string
	CoverURL    string
	PageCount   int
	Tags        []string
	Artist      string
	Parody      string
	ContentType string
}

// ImageCandidate is one resolvable page of a gallery.
type ImageCandidate struct {
	// URL is the primary image location.
	URL string
	// FallbackURL is tried when the primary fails, if set.
	FallbackURL string
	// PageURL is a stable page from which a fresh image URL can be re-derived
	// for sources whose image URLs expire.
	PageURL string
	// Index is the fixed ordinal used for output numbering, starting at 0.
	Index int
	// Headers are required request headers, e.g. a referer.
	Headers map[string]string
	// Width and Height are known pixel dimensions, 0 when unknown.
	Width  int
	Height int
}

// Adapter is the per-source protocol implementation.
type Adapter interface {
	// Key identifies the source ("kumo", "hibi").
	Key() string
	// Matches reports whether this adapter claims the URL.
	Matches(rawURL string) bool
	// Metadata resolves title, cover, tags and page count.
	Metadata(ctx context.Context, rawURL string) (*Metadata, error)
	// Images enumerates all page candidates in order.
	Images(ctx context.Context, rawURL string) ([]ImageCandidate, error)
	// Concurrency is the download pool size this source tolerates.
	Concurrency() int
}

// Refresher is implemented by adapters whose image URLs expire and can be
// re-derived from the candidate's stable page URL.
type Refresher interface {
	RefreshImage(ctx context.Context, pageURL string) (*ImageCandidate, error)
}

// Mirrored is implemented by adapters whose content is also served by a
// higher-fidelity mirror, identified by a shared catalog id.
type Mirrored interface {
	// MirrorKey names the secondary adapter.
	MirrorKey() string
	// CatalogID extracts the shared catalog id from a gallery URL.
	CatalogID(rawURL string) (string, bool)
}

// CatalogLister is implemented by mirror adapters that can enumerate images
// directly from a catalog id.
type CatalogLister interface {
	ImagesByCatalogID(ctx context.Context, id string) ([]ImageCandidate, error)
}

// Fetcher is the slice of the network resilience layer adapters consume.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, referer string) ([]byte, error)
}

// MergeTags returns the union of two tag sets, de-duplicated by exact string,
// preserving first-seen order.
func MergeTags(primary, extra []string) []string {
	seen := make(map[string]struct{}, len(primary)+len(extra))
	merged := make([]string, 0, len(primary)+len(extra))
	for _, set := range [][]string{primary, extra} {
		for _, tag := range set {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			merged = append(merged, tag)
		}
	}
	return merged
}
