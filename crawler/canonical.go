// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL normalises a URL to the form used for deduplication,
// base-uri and cache keys: scheme and host lowercased, default ports
// stripped, fragment removed, empty path rewritten to /. The query and
// any percent-encoding are preserved byte for byte.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalising %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("canonicalising %q: not an absolute URL", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && !defaultPort(u.Scheme, port) {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func defaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
