// Package device derives the network-level client identifier used for rate
// limit bucketing: origin IP plus a coarse user-agent fingerprint. The
// fingerprint is deliberately coarse (browser and OS family only) so minor
// version bumps don't hand a client a fresh bucket, and it is never
// persisted beyond the rate limit windows.
package device

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mssola/useragent"
)

// Fingerprint returns a stable identifier for (ip, userAgent). The hash is
// truncated: bucket keys need collision resistance against casual spoofing,
// not cryptographic strength.
func Fingerprint(ip, userAgent string) string {
	browser, osFamily := coarseUserAgent(userAgent)

	h := sha256.New()
	h.Write([]byte(ip))
	h.Write([]byte{'|'})
	h.Write([]byte(browser))
	h.Write([]byte{'|'})
	h.Write([]byte(osFamily))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// coarseUserAgent reduces a raw User-Agent header to browser and OS family.
// Unknown agents collapse to "unknown" rather than producing per-string
// buckets an attacker could rotate through for free.
func coarseUserAgent(raw string) (browser, osFamily string) {
	if raw == "" {
		return "unknown", "unknown"
	}

	ua := useragent.New(raw)
	browser, _ = ua.Browser()
	osFamily = ua.OSInfo().Name

	if browser == "" {
		browser = "unknown"
	}
	if osFamily == "" {
		osFamily = "unknown"
	}
	return browser, osFamily
}
