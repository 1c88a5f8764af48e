// Package weborigin implements the browser-origin allow-list shared by the
// HTTP transports. Requests without an Origin header come from non-browser
// clients and are admitted; loopback origins are always admitted.
package weborigin

import (
	"net"
	"net/url"
	"strings"
)

// AllowList is a set of host[:port] values matched against the Origin
// header. The zero value admits loopback and non-browser requests only.
type AllowList map[string]struct{}

// Add admits a host[:port] entry.
func (a AllowList) Add(host string) {
	a[strings.ToLower(host)] = struct{}{}
}

// Allows reports whether the given Origin header value is admitted. An
// absent origin passes; a malformed one does not.
func (a AllowList) Allows(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if _, ok := a[strings.ToLower(u.Host)]; ok {
		return true
	}
	hostname := u.Hostname()
	if hostname == "localhost" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
