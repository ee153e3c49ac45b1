package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/testutil"
)

func candidate(url string, index, w, h int) source.ImageCandidate {
	return source.ImageCandidate{URL: url, Index: index, Width: w, Height: h}
}

func TestMergePrefersEqualOrLargerSecondary(t *testing.T) {
	primary := []source.ImageCandidate{
		candidate("https://cdn.kumo.to/1.jpg", 0, 1200, 1700),
		candidate("https://cdn.kumo.to/2.jpg", 1, 1200, 1700),
		candidate("https://cdn.kumo.to/3.jpg", 2, 1200, 1700),
	}
	secondary := []source.ImageCandidate{
		candidate("https://img.hibi.pics/1.webp", 0, 1280, 1810), // larger, wins
		candidate("https://img.hibi.pics/2.webp", 1, 1200, 1700), // equal, wins
		candidate("https://img.hibi.pics/3.webp", 2, 800, 1138),  // smaller, loses
	}

	merged := Merge(primary, secondary, testutil.NopLogger())
	require.Len(t, merged, 3)
	assert.Equal(t, secondary[0].URL, merged[0].URL)
	assert.Equal(t, secondary[1].URL, merged[1].URL)
	assert.Equal(t, primary[2].URL, merged[2].URL)
}

func TestMergeFallsBackToURLDimensions(t *testing.T) {
	primary := []source.ImageCandidate{
		candidate("https://cdn.kumo.to/p1_1000x1400.jpg", 0, 0, 0),
	}
	secondary := []source.ImageCandidate{
		candidate("https://img.hibi.pics/p1_1280x1810.webp", 0, 0, 0),
	}

	merged := Merge(primary, secondary, testutil.NopLogger())
	assert.Equal(t, secondary[0].URL, merged[0].URL)
}

func TestMergeUnknownSecondaryNeverWins(t *testing.T) {
	primary := []source.ImageCandidate{
		candidate("https://cdn.kumo.to/1.jpg", 0, 100, 100),
	}
	secondary := []source.ImageCandidate{
		candidate("https://img.hibi.pics/1.webp", 0, 0, 0),
	}

	merged := Merge(primary, secondary, testutil.NopLogger())
	assert.Equal(t, primary[0].URL, merged[0].URL)
}

func TestMergeShorterSecondaryFallsBackToPrimary(t *testing.T) {
	primary := []source.ImageCandidate{
		candidate("https://cdn.kumo.to/1.jpg", 0, 100, 100),
		candidate("https://cdn.kumo.to/2.jpg", 1, 100, 100),
		candidate("https://cdn.kumo.to/3.jpg", 2, 100, 100),
	}
	secondary := []source.ImageCandidate{
		candidate("https://img.hibi.pics/1.webp", 0, 2000, 3000),
	}

	merged := Merge(primary, secondary, testutil.NopLogger())
	require.Len(t, merged, 3)
	assert.Equal(t, secondary[0].URL, merged[0].URL)
	assert.Equal(t, primary[1].URL, merged[1].URL)
	assert.Equal(t, primary[2].URL, merged[2].URL)
}

func TestMergeKeepsPrimaryOrdinals(t *testing.T) {
	primary := []source.ImageCandidate{candidate("https://cdn.kumo.to/1.jpg", 7, 100, 100)}
	secondary := []source.ImageCandidate{candidate("https://img.hibi.pics/1.webp", 0, 200, 200)}

	merged := Merge(primary, secondary, testutil.NopLogger())
	assert.Equal(t, 7, merged[0].Index)
}

func TestMergeEmptySecondary(t *testing.T) {
	primary := []source.ImageCandidate{candidate("https://cdn.kumo.to/1.jpg", 0, 100, 100)}
	merged := Merge(primary, nil, testutil.NopLogger())
	assert.Equal(t, primary, merged)
}
