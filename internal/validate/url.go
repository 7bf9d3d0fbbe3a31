// Package validate checks operator-supplied URLs before they are used to
// reach other services or echoed back to browsers.
package validate

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

// URL validation errors
var (
	ErrEmpty            = errors.New("value cannot be empty")
	ErrTooLong          = errors.New("value too long")
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrPrivateAddress   = errors.New("URL points at a private address")
	ErrInvalidOrigin    = errors.New("invalid origin")
)

// URLConstraints defines validation constraints for URLs.
type URLConstraints struct {
	AllowedSchemes []string // e.g. []string{"https", "http"}
	BlockPrivate   bool     // reject loopback, private and link-local literals
	MaxLength      int      // 0 = no limit
}

// ServiceURLConstraints accepts http and https endpoints on any host. The
// actuator and discovery services usually live on a private network.
var ServiceURLConstraints = URLConstraints{
	AllowedSchemes: []string{"http", "https"},
	MaxLength:      2048,
}

// PublicURLConstraints accepts https endpoints on public hosts only.
var PublicURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// URL validates raw against c and returns it trimmed, without a trailing
// slash, ready to have paths appended.
func URL(raw string, c URLConstraints) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmpty
	}
	if c.MaxLength > 0 && len(s) > c.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrTooLong, c.MaxLength)
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(c.AllowedSchemes) > 0 && !slices.Contains(c.AllowedSchemes, u.Scheme) {
		return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, u.Scheme, c.AllowedSchemes)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: query and fragment are not allowed", ErrInvalidURL)
	}
	if c.BlockPrivate && isPrivateHost(host) {
		return "", fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	return strings.TrimRight(s, "/"), nil
}

// Origin validates a browser origin for the CORS allowlist: scheme and
// host, optionally a port, and nothing else. Wildcards are rejected.
func Origin(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmpty
	}
	if strings.Contains(s, "*") {
		return "", fmt.Errorf("%w: wildcards are not allowed: %q", ErrInvalidOrigin, s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https: %q", ErrInvalidOrigin, s)
	}
	if u.Host == "" || u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: want scheme://host[:port], got %q", ErrInvalidOrigin, s)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// isPrivateHost reports whether host is localhost or a loopback, private or
// link-local IP literal. Names are not resolved.
func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
