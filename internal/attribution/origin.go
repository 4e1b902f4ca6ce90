package attribution

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/unicode/norm"
)

// Origin is a validated, canonicalized web origin ("https://example.com"
// or "https://example.com:8443").
//
// Only secure origins participate in attribution. Hosts are lowercased
// and NFC-normalized before comparison so that two spellings of the same
// internationalized host canonicalize to one origin.
type Origin string

// Site is the eTLD+1 of an origin ("example.com"). Destination and
// rate-limit accounting is keyed by Site, not Origin, so that subdomains
// of one registrable domain share limits.
type Site string

// ParseOrigin validates and canonicalizes a raw origin string.
//
// Rules:
//   - scheme must be https (http is allowed for localhost only, to keep
//     local development workable)
//   - no path, query, fragment, or userinfo
//   - host is lowercased and NFC-normalized
//   - a default port (443 for https, 80 for http) is stripped
func ParseOrigin(raw string) (Origin, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", raw)
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("origin %q must not carry a path, query, fragment, or userinfo", raw)
	}

	host := norm.NFC.String(strings.ToLower(u.Hostname()))
	port := u.Port()

	switch u.Scheme {
	case "https":
		if port == "443" {
			port = ""
		}
	case "http":
		if !isLocalhost(host) {
			return "", fmt.Errorf("origin %q is not trustworthy: http is only allowed for localhost", raw)
		}
		if port == "80" {
			port = ""
		}
	default:
		return "", fmt.Errorf("origin %q has unsupported scheme %q", raw, u.Scheme)
	}

	if port != "" {
		return Origin(u.Scheme + "://" + host + ":" + port), nil
	}
	return Origin(u.Scheme + "://" + host), nil
}

// MustParseOrigin is ParseOrigin that panics on error. Test helper.
func MustParseOrigin(raw string) Origin {
	o, err := ParseOrigin(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// SiteOf derives the registrable domain (eTLD+1) of an origin.
//
// Hosts without a recognized public suffix (IP literals, localhost,
// single-label intranet names) fall back to the bare host, so every
// valid origin maps to exactly one site.
func SiteOf(o Origin) Site {
	host := o.host()
	if ip := net.ParseIP(host); ip != nil {
		return Site(host)
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return Site(host)
	}
	return Site(etld1)
}

func (o Origin) host() string {
	s := string(o)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}

func isLocalhost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
