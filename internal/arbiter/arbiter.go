// Package arbiter chooses, per page, between a primary source's candidate
// and a known higher-fidelity mirror's. The mirror is typically faster to
// fetch, so an equal-or-better-quality substitute is a strict win.
package arbiter

import (
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/source"
)

// urlDimensionRe matches dimensions embedded in CDN URLs, e.g.
// ".../p003_1280x1810.webp".
var urlDimensionRe = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)

// Merge returns the primary list with the secondary's candidate substituted
// at every index where its known dimension is greater than or equal to the
// primary's. Indices beyond the secondary list's length always resolve to the
// primary candidate. The input slices are not modified.
func Merge(primary, secondary []source.ImageCandidate, logger zerolog.Logger) []source.ImageCandidate {
	merged := make([]source.ImageCandidate, len(primary))
	copy(merged, primary)

	substituted := 0
	for i := range merged {
		if i >= len(secondary) {
			break
		}
		secScore := pixelScore(secondary[i])
		if secScore == 0 {
			continue
		}
		if secScore >= pixelScore(merged[i]) {
			// Keep the primary's ordinal so output numbering is unaffected.
			candidate := secondary[i]
			candidate.Index = merged[i].Index
			merged[i] = candidate
			substituted++
		}
	}

	if substituted > 0 {
		logger.Debug().
			Int("pages", len(merged)).
			Int("substituted", substituted).
			Msg("arbitration substituted mirror candidates")
	}
	return merged
}

// pixelScore ranks a candidate by known pixel dimensions, falling back to
// dimensions embedded in the URL. 0 means unknown; an unknown candidate
// never displaces a known one.
func pixelScore(c source.ImageCandidate) int {
	w, h := c.Width, c.Height
	if w == 0 || h == 0 {
		if uw, uh, ok := dimensionsFromURL(c.URL); ok {
			w, h = uw, uh
		}
	}
	if w == 0 {
		return 0
	}
	if h == 0 {
		return w
	}
	return w * h
}

func dimensionsFromURL(rawURL string) (int, int, bool) {
	m := urlDimensionRe.FindStringSubmatch(rawURL)
	if m == nil {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}
