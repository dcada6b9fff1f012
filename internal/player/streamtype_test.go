package player

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want StreamType
	}{
		{"http://host:8080/live/u/p/123.m3u8", Live},
		{"http://host:8080/live/u/p/123.ts", Live},
		{"http://host/LIVE/u/p/1", Live},
		{"http://host/anything/playlist.M3U8", Live},
		{"http://host/hls/index.m3u8?token=abc", Live},
		{"http://host/series/u/p/77.mkv", Series},
		{"http://host/series/u/p/77.mp4", Series},
		{"http://host/movie/u/p/55.mp4", Vod},
		{"http://host/movie/u/p/55", Vod},
		{"http://host/files/film.AVI", Vod},
		{"http://host/files/film.mkv?dl=1", Vod},
		{"http://host/stream", Default},
		{"", Default},
		{"::not a url::", Default},
		{"%zz/live/", Live},
	}
	for _, tt := range tests {
		if got := Classify(tt.url); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestStreamTypeString(t *testing.T) {
	for st, want := range map[StreamType]string{Live: "live", Vod: "vod", Series: "series", Default: "default", StreamType(42): "default"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
