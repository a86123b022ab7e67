package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/djbox/internal/domain/track"
)

// DuplicateTrackFilter rejects tracks already in the queue.
// Detects:
// - Exact track ID matches
// - Remasters and alternate versions (normalized title + same artist)
// Excludes:
// - Cover songs (same title but different artist)
type DuplicateTrackFilter struct{}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter() *DuplicateTrackFilter {
	return &DuplicateTrackFilter{}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects tracks already queued, including remasters; covers by other artists are allowed"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// AppliesTo returns which requester types this filter applies to.
func (f *DuplicateTrackFilter) AppliesTo(requesterType track.RequesterType) bool {
	return requesterType == track.RequesterTypeUser || requesterType == track.RequesterTypeAutoplay
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

// Check checks if the track is a duplicate of a queued track.
func (f *DuplicateTrackFilter) Check(ctx context.Context, requested track.Track, view View) Result {
	for _, queued := range view.Queued {
		if queued.Track.ID == requested.ID || IsSameSong(queued.Track, requested) {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

// IsSameSong reports whether two tracks are the same song in a different
// version: their normalized titles match and so do their main artists.
func IsSameSong(a, b track.Track) bool {
	artistA, titleA := a.SplitArtist()
	artistB, titleB := b.SplitArtist()

	if NormalizeTitle(titleA) != NormalizeTitle(titleB) {
		return false
	}
	if artistA == "" || artistB == "" {
		return false
	}
	return strings.EqualFold(mainArtist(artistA), mainArtist(artistB))
}

var (
	remasterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),                 // "- 2011 Remaster"
		regexp.MustCompile(`\s*\(remaster(ed)?\s*\d{0,4}\)`),                // "(Remastered 2023)"
		regexp.MustCompile(`\s*\[remaster(ed)?\s*\d{0,4}\]`),                // "[Remastered]"
		regexp.MustCompile(`\s*-?\s*remaster(ed)?(\s+\d{4})?(\s+version)?`), // "- Remastered 2015"
		regexp.MustCompile(`\s*\(.*?remaster.*?\)`),                         // "(Any Remaster text)"
		regexp.MustCompile(`\s*\[.*?remaster.*?\]`),                         // "[Any Remaster text]"
	}
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*\(.*?version\)`),                                  // "(Single Version)"
		regexp.MustCompile(`\s*\(.*?edit\)`),                                     // "(Radio Edit)"
		regexp.MustCompile(`\s*[\(\[]official\s+(music\s+)?(video|audio)[\)\]]`), // "(Official Video)"
		regexp.MustCompile(`\s*[\(\[](lyrics?|audio|hd|hq|4k)[\)\]]`),            // "[Lyrics]"
		regexp.MustCompile(`\s*\(live\)`),                                        // "(Live)"
		regexp.MustCompile(`\s*-\s*live\b.*$`),                                   // "- Live at Wembley"
		regexp.MustCompile(`\s*-?\s*radio\s+edit`),                               // "- Radio Edit"
		regexp.MustCompile(`\s*-?\s*single\s+version`),                           // "- Single Version"
	}
	spacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeTitle removes remaster information and version details.
func NormalizeTitle(name string) string {
	normalized := strings.ToLower(name)
	for _, pattern := range remasterPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	normalized = strings.TrimSpace(normalized)
	normalized = spacePattern.ReplaceAllString(normalized, " ")
	return strings.TrimRight(normalized, " -")
}

// mainArtist strips featured artists and the YouTube " - Topic" suffix.
func mainArtist(artist string) string {
	a := strings.TrimSpace(strings.TrimSuffix(artist, " - Topic"))
	lower := strings.ToLower(a)
	for _, sep := range []string{" feat. ", " ft. ", " featuring ", ", ", " & ", " x "} {
		if i := strings.Index(lower, sep); i > 0 {
			a, lower = a[:i], lower[:i]
		}
	}
	return strings.TrimSpace(a)
}

func init() {
	Register("duplicate_track_filter", func() Filter {
		return NewDuplicateTrackFilter()
	})
}
