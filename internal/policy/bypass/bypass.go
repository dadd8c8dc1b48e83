// Package bypass decides which URLs skip the proxy pool entirely, so
// bookkeeping fetches like robots.txt never spend session budget.
package bypass

import (
	"net/url"
	"path"
	"strings"
)

// Policy matches request URLs by file name.
type Policy struct {
	names map[string]bool
}

// New creates a policy matching the given file names, case insensitively.
func New(names ...string) *Policy {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = true
	}
	return &Policy{names: set}
}

// Default returns the stock policy: robots.txt, favicon.ico and sitemap.xml
// go direct.
func Default() *Policy {
	return New("robots.txt", "favicon.ico", "sitemap.xml")
}

// Bypass reports whether the URL should be dispatched without a session.
func (p *Policy) Bypass(rawURL string) bool {
	if p == nil || len(p.names) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return false
	}
	return p.names[strings.ToLower(path.Base(u.Path))]
}
