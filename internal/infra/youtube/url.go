package youtube

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/|youtube\.com/embed/|youtube\.com/shorts/|music\.youtube\.com/watch\?(?:.*&)?v=)([a-zA-Z0-9_-]{11})`)

var bareIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// ExtractVideoID returns the 11 character video ID of a YouTube link.
func ExtractVideoID(raw string) (string, bool) {
	if m := videoIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	return "", false
}

// IsVideoID reports whether s is a bare 11 character video ID.
func IsVideoID(s string) bool {
	return bareIDPattern.MatchString(s)
}

// CanonicalID returns the cache identifier of a media link: the video ID
// for YouTube, otherwise a stable hash of the URL.
func CanonicalID(raw string) string {
	if id, ok := ExtractVideoID(raw); ok {
		return id
	}
	if bareIDPattern.MatchString(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return "u" + hex.EncodeToString(sum[:])[:16]
}

// WatchURL returns the canonical watch page of a video.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// MixURL returns the auto-generated radio playlist seeded by a video.
func MixURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id + "&list=RD" + id
}

// IsYouTube reports whether raw points at a YouTube host.
func IsYouTube(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

// PlaylistID returns the list parameter of a playlist link. Radio mixes
// attached to a single video are treated as a plain video link.
func PlaylistID(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !IsYouTube(raw) {
		return "", false
	}
	q := u.Query()
	list := q.Get("list")
	if list == "" {
		return "", false
	}
	if q.Get("v") != "" && strings.HasPrefix(list, "RD") {
		return "", false
	}
	return list, true
}
