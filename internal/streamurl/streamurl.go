// Package streamurl builds Xtream-Codes stream URLs from a server address and credentials.
package streamurl

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind selects the Xtream path namespace.
type Kind string

const (
	KindLive    Kind = "live"
	KindMovie   Kind = "movie"
	KindEpisode Kind = "series"
)

// ParseKind accepts catalog item names ("Channel", "Movie",
// "SeriesEpisode") as well as the path names.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "live", "channel":
		return KindLive, nil
	case "movie", "vod":
		return KindMovie, nil
	case "series", "episode", "seriesepisode":
		return KindEpisode, nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

// BaseURL strips a trailing slash and an optional /player_api.php, and defaults the scheme to http.
func BaseURL(addr string) string {
	a := strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasSuffix(a, "/player_api.php") {
		a = strings.TrimRight(strings.TrimSuffix(a, "/player_api.php"), "/")
	}
	lower := strings.ToLower(a)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		a = "http://" + a
	}
	return a
}

// Build returns the stream URL for id. Live streams always use the HLS playlist (.m3u8);
// movies and episodes use ext, defaulting to mp4.
func Build(addr, user, pass string, kind Kind, id, ext string) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("missing server address")
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("missing stream id")
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	switch kind {
	case KindLive:
		ext = "m3u8"
	case KindMovie, KindEpisode:
		if ext == "" {
			ext = "mp4"
		}
	default:
		return "", fmt.Errorf("unknown stream kind %q", kind)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s",
		BaseURL(addr), kind, url.PathEscape(user), url.PathEscape(pass), url.PathEscape(id), ext), nil
}
