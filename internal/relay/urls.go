package relay

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
)

// LoginURL is the popup target: <serviceID>?origin=<origin>.
func LoginURL(serviceID, origin string) string {
	return appendQuery(serviceID, "origin="+origin)
}

// CallbackURL is the hidden frame's source:
// <tokenServiceURL>?messageId=1&origin=<origin>.
func CallbackURL(tokenServiceURL, origin string) string {
	return appendQuery(tokenServiceURL, "messageId=1&origin="+origin)
}

// appendQuery appends an already-encoded query. A validated origin holds
// only scheme, host and port characters, all legal in a query as-is.
func appendQuery(base, query string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + query
}

// NormalizeOrigin checks that raw is a bare origin (scheme://host[:port])
// and returns it lowercased without a trailing slash.
func NormalizeOrigin(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("origin is empty")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("refusing origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin missing host")
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("origin %q must not carry a path, query, fragment or userinfo", raw)
	}
	if scheme == "http" && !isLoopbackHost(u.Hostname()) {
		return "", fmt.Errorf("refusing plain http origin for non-loopback host %q", u.Hostname())
	}

	return authreq.OriginOf(trimmed), nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
