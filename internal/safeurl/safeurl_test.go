package safeurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHTTPOrHTTPS(t *testing.T) {
	for _, u := range []string{
		"http://p.example:8080/live/u/p/1.m3u8",
		"https://p.example/movie/u/p/9.mp4",
		"HTTP://P.EXAMPLE/x.ts",
	} {
		assert.True(t, IsHTTPOrHTTPS(u), u)
	}
	for _, u := range []string{
		"",
		"p.example/live/u/p/1.m3u8",
		"rtmp://p.example/live",
		"file:///tmp/list.m3u",
		"-/live/u/p/1.m3u8",
	} {
		assert.False(t, IsHTTPOrHTTPS(u), u)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://p.example:8080/live/alice/s3cret/123.m3u8", "http://p.example:8080/live/***/***/123.m3u8"},
		{"http://p.example/movie/alice/s3cret/9.mp4", "http://p.example/movie/***/***/9.mp4"},
		{"http://p.example/series/alice/s3cret/77.mkv", "http://p.example/series/***/***/77.mkv"},
		{"http://p.example/get.php?password=x&username=y", "http://p.example/get.php?password=***&username=***"},
		{"http://bob:pw@p.example/x.ts", "http://***@p.example/x.ts"},
		{"http://p.example/live/only", "http://p.example/live/only"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Redact(tt.in), tt.in)
	}
}
