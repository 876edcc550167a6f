// Package privacy provides helpers for masking personal data before it
// reaches logs or audit records. Raw identities must never leave the
// request path unmasked.
package privacy

import (
	"net"
	"strings"
)

// MaskEmail reduces an email address to a loggable form, keeping at most the
// first three characters of the local part: "abc***@domain.com".
// Inputs that do not look like an email are masked entirely.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	keep := len(local)
	if keep > 3 {
		keep = 3
	}
	return local[:keep] + "***@" + domain
}

// AnonymizeIP truncates an IP address to a coarse prefix suitable for logs:
// the first two octets for IPv4, the first two groups for IPv6.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	parts := strings.Split(parsed.String(), ":")
	if len(parts) < 2 {
		return "invalid"
	}
	return parts[0] + ":" + parts[1] + "::"
}
