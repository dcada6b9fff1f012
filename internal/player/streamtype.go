package player

import (
	"net/url"
	"strings"
)

// StreamType decides which caching knobs a player gets.
type StreamType int

const (
	Default StreamType = iota
	Live
	Vod
	Series
)

func (s StreamType) String() string {
	switch s {
	case Live:
		return "live"
	case Vod:
		return "vod"
	case Series:
		return "series"
	default:
		return "default"
	}
}

// Classify guesses the stream type from an Xtream-style URL. Path markers win over
// extensions, and /series/ is checked before the generic VOD extensions so episode files
// are not treated as movies. Extension checks use the parsed path when there is one, so
// a query string does not hide the suffix.
func Classify(raw string) StreamType {
	lower := strings.ToLower(raw)
	tail := lower
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		tail = strings.ToLower(u.Path)
	}
	hasSuffix := func(ext string) bool {
		return strings.HasSuffix(tail, ext) || strings.HasSuffix(lower, ext)
	}

	switch {
	case strings.Contains(lower, "/live/") || hasSuffix(".m3u8"):
		return Live
	case strings.Contains(lower, "/series/"):
		return Series
	case strings.Contains(lower, "/movie/") || hasSuffix(".mp4") || hasSuffix(".mkv") || hasSuffix(".avi"):
		return Vod
	}
	return Default
}
