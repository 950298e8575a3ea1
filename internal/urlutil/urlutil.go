// Package urlutil builds and checks the absolute URLs the server redirects
// browsers to.
package urlutil

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotAnOrigin is returned for values that are not absolute http(s) URLs.
var ErrNotAnOrigin = errors.New("urlutil: not an absolute http(s) URL")

// Origin returns the scheme://host[:port] of raw, lower-cased.
func Origin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrNotAnOrigin
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" || u.User != nil {
		return "", ErrNotAnOrigin
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// OriginAllowlist answers whether a browser may be sent to a URL.
type OriginAllowlist struct {
	origins map[string]bool
}

// NewOriginAllowlist builds an allowlist. Entries that are not valid origins
// are skipped.
func NewOriginAllowlist(origins ...string) *OriginAllowlist {
	l := &OriginAllowlist{origins: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if origin, err := Origin(o); err == nil {
			l.origins[origin] = true
		}
	}
	return l
}

// Allows returns the origin of raw when it is on the list.
func (l *OriginAllowlist) Allows(raw string) (string, bool) {
	origin, err := Origin(raw)
	if err != nil || !l.origins[origin] {
		return "", false
	}
	return origin, true
}

// BuildAbsolute builds an absolute URL from a base origin and a path.
func BuildAbsolute(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// WithQuery is BuildAbsolute plus an encoded query string.
func WithQuery(base, path string, q url.Values) string {
	abs := BuildAbsolute(base, path)
	if len(q) == 0 {
		return abs
	}
	sep := "?"
	if strings.Contains(abs, "?") {
		sep = "&"
	}
	return abs + sep + q.Encode()
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
