package browser

import (
	"net/url"
	"strings"
)

// DefaultDomain is the partition key used when a URL has no usable hostname.
const DefaultDomain = "default"

// DomainOf returns the lower-cased hostname of rawURL, or DefaultDomain.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return DefaultDomain
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return DefaultDomain
	}
	return host
}
