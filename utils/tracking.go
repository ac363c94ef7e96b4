package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// GenerateTrackingToken signs a message id so tracking links cannot be forged
func GenerateTrackingToken(secret, messageID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

// ValidTrackingToken compares in constant time
func ValidTrackingToken(secret, messageID, token string) bool {
	expected := GenerateTrackingToken(secret, messageID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, secret, messageID string) string {
	token := GenerateTrackingToken(secret, messageID)
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, url.PathEscape(messageID), token)
}

// GenerateClickToken signs the message id together with the redirect target,
// so a click link cannot be pointed at another URL
func GenerateClickToken(secret, messageID, targetURL string) string {
	return GenerateTrackingToken(secret, messageID+"\n"+targetURL)
}

// ValidClickToken compares in constant time
func ValidClickToken(secret, messageID, targetURL, token string) bool {
	expected := GenerateClickToken(secret, messageID, targetURL)
	return hmac.Equal([]byte(expected), []byte(token))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, secret, messageID, originalURL string) string {
	token := GenerateClickToken(secret, messageID, originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, url.PathEscape(messageID), token, url.QueryEscape(originalURL))
}

// TrackingOptions selects which tracking is injected into an email body
type TrackingOptions struct {
	BaseURL string
	Secret  string
	Opens   bool
	Clicks  bool
}

var anchorHref = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*")([^"]+)(")`)

// InjectTracking rewrites http(s) links and appends the open pixel as configured
func InjectTracking(htmlContent, messageID string, opts TrackingOptions) string {
	if opts.Clicks {
		htmlContent = anchorHref.ReplaceAllStringFunc(htmlContent, func(tag string) string {
			parts := anchorHref.FindStringSubmatch(tag)
			link := html.UnescapeString(parts[2])
			lower := strings.ToLower(link)
			if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
				return tag
			}
			tracked := GenerateClickTrackURL(opts.BaseURL, opts.Secret, messageID, link)
			return parts[1] + html.EscapeString(tracked) + parts[3]
		})
	}

	if opts.Opens {
		pixelURL := GenerateTrackingPixelURL(opts.BaseURL, opts.Secret, messageID)
		trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
		if idx := strings.LastIndex(strings.ToLower(htmlContent), "</body>"); idx >= 0 {
			htmlContent = htmlContent[:idx] + trackingPixel + htmlContent[idx:]
		} else {
			htmlContent += trackingPixel
		}
	}
	return htmlContent
}

// ClientInfo is what a tracking hit reveals about the reader
type ClientInfo struct {
	Device  string
	Browser string
	IsBot   bool
}

var botMarkers = []string{
	"bot", "crawler", "spider", "slurp", "preview", "scanner",
	"googleimageproxy", "barracuda", "proofpoint", "mimecast", "curl", "wget", "python-requests",
}

// ParseClientInfo classifies a user agent string
func ParseClientInfo(userAgent string) ClientInfo {
	ua := strings.ToLower(userAgent)
	info := ClientInfo{Device: "desktop", Browser: "other"}

	if ua == "" {
		info.IsBot = true
		info.Device = "unknown"
		return info
	}
	for _, marker := range botMarkers {
		if strings.Contains(ua, marker) {
			info.IsBot = true
			break
		}
	}

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		info.Device = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		info.Device = "mobile"
	}

	// order matters: Edge and Opera also announce Chrome, Chrome also announces Safari
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge/"):
		info.Browser = "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		info.Browser = "opera"
	case strings.Contains(ua, "firefox/"):
		info.Browser = "firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios/"):
		info.Browser = "chrome"
	case strings.Contains(ua, "safari/"):
		info.Browser = "safari"
	case strings.Contains(ua, "thunderbird"):
		info.Browser = "thunderbird"
	case strings.Contains(ua, "outlook") || strings.Contains(ua, "microsoft office"):
		info.Browser = "outlook"
	}
	return info
}

// TransparentPixel is a 1x1 transparent GIF
func TransparentPixel() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
