// Package fingerprint derives the device binding carried inside relay tokens.
//
// The binding is computed from the User-Agent only. Client IP is not part of
// it; the sign call and the playback requests may arrive from different
// addresses.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// Length is the number of hex characters in a fingerprint.
	Length = 16

	maxUserAgent = 512
)

// FromUserAgent returns a fixed-length lowercase hex digest of the normalized user agent.
func FromUserAgent(userAgent string) string {
	sum := sha256.Sum256([]byte(normalize(userAgent)))
	return hex.EncodeToString(sum[:])[:Length]
}

// FromRequest fingerprints the request's User-Agent header.
func FromRequest(r *http.Request) string {
	return FromUserAgent(r.UserAgent())
}

func normalize(ua string) string {
	ua = strings.Join(strings.Fields(ua), " ")
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}
	return ua
}
