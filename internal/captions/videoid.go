// Package captions fetches and parses reference caption streams.
package captions

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	bareID  = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	embedID = regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/|youtube\.com/embed/|youtube\.com/shorts/|youtube\.com/live/)([a-zA-Z0-9_-]{11})`)
)

// VideoID extracts the 11-character YouTube id from a watch, youtu.be,
// embed or shorts URL, or accepts a bare id.
func VideoID(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if bareID.MatchString(ref) {
		return ref, true
	}
	if m := embedID.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	return "", false
}

// IsYouTube reports whether ref names a YouTube video.
func IsYouTube(ref string) bool {
	_, ok := VideoID(ref)
	return ok
}

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
