package fetch

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validateBearerTarget refuses to send a bearer token anywhere but https or
// a loopback http endpoint.
func validateBearerTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid resource url: %w", err)
	}

	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return fmt.Errorf("resource url missing host")
	}

	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "https" && !(scheme == "http" && isLoopbackHost(host)) {
		return fmt.Errorf("refusing to send token over %q (host=%q)", scheme, host)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
