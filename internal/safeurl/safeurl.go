package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes before a URL is handed to a player.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return s == "http" || s == "https"
}

const mask = "***"

// xtreamKinds are the path prefixes whose next two segments are username and password.
var xtreamKinds = map[string]bool{"live": true, "movie": true, "series": true}

// Redact masks credentials in a stream URL for logging: userinfo, the two segments after
// /live/, /movie/ or /series/, and username/password query values.
// Unparseable input is returned fully masked.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return mask
	}
	if u.User != nil {
		u.User = url.User(mask)
	}
	segs := strings.Split(u.Path, "/")
	for i := 0; i+2 < len(segs); i++ {
		if xtreamKinds[strings.ToLower(segs[i])] {
			segs[i+1], segs[i+2] = mask, mask
			break
		}
	}
	u.Path = strings.Join(segs, "/")
	u.RawPath = ""
	if u.RawQuery != "" {
		q := u.Query()
		for _, k := range []string{"username", "password", "token"} {
			if q.Has(k) {
				q.Set(k, mask)
			}
		}
		u.RawQuery = q.Encode()
	}
	// url.String escapes "*" in userinfo; undo that so the mask stays readable.
	return strings.ReplaceAll(u.String(), "%2A%2A%2A", mask)
}
