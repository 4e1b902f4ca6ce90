package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrigin(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Origin
	}{
		{"https", "https://example.com", "https://example.com"},
		{"default port stripped", "https://example.com:443", "https://example.com"},
		{"explicit port kept", "https://example.com:8443", "https://example.com:8443"},
		{"host lowercased", "https://EXAMPLE.com", "https://example.com"},
		{"trailing slash tolerated", "https://example.com/", "https://example.com"},
		{"http localhost", "http://localhost:8080", "http://localhost:8080"},
		{"http localhost default port", "http://localhost:80", "http://localhost"},
		{"http loopback ip", "http://127.0.0.1", "http://127.0.0.1"},
		{"localhost subdomain", "http://app.localhost", "http://app.localhost"},
		{"https ip", "https://192.168.0.1", "https://192.168.0.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOrigin(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseOrigin_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain http", "http://example.com"},
		{"no scheme", "example.com"},
		{"ftp", "ftp://example.com"},
		{"path", "https://example.com/path"},
		{"query", "https://example.com?q=1"},
		{"fragment", "https://example.com#frag"},
		{"userinfo", "https://user@example.com"},
		{"empty", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseOrigin(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestSiteOf(t *testing.T) {
	tests := []struct {
		origin Origin
		want   Site
	}{
		{"https://example.com", "example.com"},
		{"https://sub.example.com", "example.com"},
		{"https://deep.sub.example.co.uk", "example.co.uk"},
		{"https://example.com:8443", "example.com"},
		{"https://192.168.0.1", "192.168.0.1"},
		{"http://localhost", "localhost"},
	}
	for _, tc := range tests {
		t.Run(string(tc.origin), func(t *testing.T) {
			assert.Equal(t, tc.want, SiteOf(tc.origin))
		})
	}
}
