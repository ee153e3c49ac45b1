package hibi

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/testutil"
)

type stubFetcher struct {
	pages map[string]string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL, _ string) ([]byte, error) {
	body, ok := s.pages[rawURL]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch: %s", rawURL)
	}
	return []byte(body), nil
}

const viewHTML = `<html><body>
<h1 class="gallery-title">Sample Gallery Title</h1>
<div class="cover"><img src="https://img.hibi.pics/c/555/cover_350x500.webp"></div>
<ul class="tag-list">
  <li><a data-type="artist">some artist</a></li>
  <li><a data-type="series">original</a></li>
  <li><a data-type="type">doujinshi</a></li>
  <li><a data-type="tag">glasses</a></li>
  <li><a data-type="tag">school uniform</a></li>
</ul>
<div class="page-grid">
  <div class="page-thumb" data-full="https://img.hibi.pics/f/555/p001_1280x1810.webp" data-width="1280" data-height="1810"></div>
  <div class="page-thumb" data-full="https://img.hibi.pics/f/555/p002_1280x1812.webp" data-width="1280" data-height="1812"></div>
</div>
</body></html>`

func TestMatches(t *testing.T) {
	a := New(&stubFetcher{}, testutil.NopLogger())
	assert.True(t, a.Matches("https://hibi.pics/view/555"))
	assert.True(t, a.Matches("https://www.hibi.pics/view/555/"))
	assert.False(t, a.Matches("https://kumo.to/g/555/"))
}

func TestMetadata(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{
		"https://hibi.pics/view/555": viewHTML,
	}}
	a := New(f, testutil.NopLogger())

	meta, err := a.Metadata(context.Background(), "https://hibi.pics/view/555")
	require.NoError(t, err)
	assert.Equal(t, "Sample Gallery Title", meta.Title)
	assert.Equal(t, "some artist", meta.Artist)
	assert.Equal(t, "original", meta.Parody)
	assert.Equal(t, "doujinshi", meta.ContentType)
	assert.Equal(t, []string{"glasses", "school uniform"}, meta.Tags)
	assert.Equal(t, 2, meta.PageCount)
}

func TestImagesCarryDimensions(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{
		"https://hibi.pics/view/555": viewHTML,
	}}
	a := New(f, testutil.NopLogger())

	images, err := a.ImagesByCatalogID(context.Background(), "555")
	require.NoError(t, err)
	require.Len(t, images, 2)

	assert.Equal(t, "https://img.hibi.pics/f/555/p001_1280x1810.webp", images[0].URL)
	assert.Equal(t, 1280, images[0].Width)
	assert.Equal(t, 1810, images[0].Height)
	assert.Equal(t, 0, images[0].Index)
	assert.Equal(t, "https://hibi.pics/view/555", images[0].Headers["Referer"])
	assert.Equal(t, 1, images[1].Index)
}

func TestImagesEmptyViewIsParseError(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{
		"https://hibi.pics/view/555": "<html><body></body></html>",
	}}
	a := New(f, testutil.NopLogger())

	_, err := a.ImagesByCatalogID(context.Background(), "555")
	var parseErr *source.ParseError
	require.ErrorAs(t, err, &parseErr)
}
