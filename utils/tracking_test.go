package utils

import (
	"html"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackingSecret = "test-secret"

func TestTrackingToken(t *testing.T) {
	token := GenerateTrackingToken(trackingSecret, "abc@example.com")

	assert.Len(t, token, 22)
	assert.Equal(t, token, GenerateTrackingToken(trackingSecret, "abc@example.com"))
	assert.True(t, ValidTrackingToken(trackingSecret, "abc@example.com", token))
	assert.False(t, ValidTrackingToken(trackingSecret, "other@example.com", token))
	assert.False(t, ValidTrackingToken("another-secret", "abc@example.com", token))
}

func TestInjectTracking_ClicksAndOpens(t *testing.T) {
	body := `<html><body><a href="https://acme.com/pricing?a=1">Pricing</a> <a href="mailto:x@y.z">mail</a></body></html>`
	out := InjectTracking(body, "m1@example.com", TrackingOptions{
		BaseURL: "https://t.example.com", Secret: trackingSecret, Opens: true, Clicks: true,
	})

	assert.Contains(t, out, "https://t.example.com/track/click/m1@example.com/")
	assert.Contains(t, out, "url="+url.QueryEscape("https://acme.com/pricing?a=1"))
	assert.Contains(t, out, `href="mailto:x@y.z"`)
	assert.Contains(t, out, "/track/open/m1@example.com/")

	pixel := strings.Index(out, "<img")
	require.GreaterOrEqual(t, pixel, 0)
	assert.Less(t, pixel, strings.Index(out, "</body>"))
}

func TestClickToken_BindsTarget(t *testing.T) {
	token := GenerateClickToken(trackingSecret, "m1@example.com", "https://acme.com/pricing")

	assert.True(t, ValidClickToken(trackingSecret, "m1@example.com", "https://acme.com/pricing", token))
	assert.False(t, ValidClickToken(trackingSecret, "m1@example.com", "https://evil.example/phish", token))
	assert.False(t, ValidClickToken(trackingSecret, "m2@example.com", "https://acme.com/pricing", token))
	assert.NotEqual(t, GenerateTrackingToken(trackingSecret, "m1@example.com"), token)
}

func TestInjectTracking_UnescapesHTMLEntitiesInLinks(t *testing.T) {
	body := `<a href="https://acme.com/p?a=1&amp;b=2">Pricing</a>`
	out := InjectTracking(body, "m1@example.com", TrackingOptions{
		BaseURL: "https://t.example.com", Secret: trackingSecret, Clicks: true,
	})

	start := strings.Index(out, `href="`) + len(`href="`)
	href := out[start : start+strings.Index(out[start:], `"`)]
	link, err := url.Parse(html.UnescapeString(href))
	require.NoError(t, err)

	target := link.Query().Get("url")
	assert.Equal(t, "https://acme.com/p?a=1&b=2", target)
	token := link.Path[strings.LastIndex(link.Path, "/")+1:]
	assert.True(t, ValidClickToken(trackingSecret, "m1@example.com", target, token))
}

func TestInjectTracking_Disabled(t *testing.T) {
	body := `<a href="https://acme.com">x</a>`
	assert.Equal(t, body, InjectTracking(body, "m1", TrackingOptions{BaseURL: "https://t", Secret: trackingSecret}))
}

func TestParseClientInfo(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want ClientInfo
	}{
		{
			name: "desktop chrome",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			want: ClientInfo{Device: "desktop", Browser: "chrome"},
		},
		{
			name: "iphone safari",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			want: ClientInfo{Device: "mobile", Browser: "safari"},
		},
		{
			name: "edge",
			ua:   "Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0",
			want: ClientInfo{Device: "desktop", Browser: "edge"},
		},
		{
			name: "link scanner",
			ua:   "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			want: ClientInfo{Device: "desktop", Browser: "other", IsBot: true},
		},
		{
			name: "empty",
			ua:   "",
			want: ClientInfo{Device: "unknown", Browser: "other", IsBot: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseClientInfo(tt.ua))
		})
	}
}
