package email

import (
	"strings"

	"github.com/asaskevich/govalidator"
)

// MaxLength is the longest address the gateway accepts. Addresses longer than
// this are rejected before any lookup or upstream call.
const MaxLength = 254

// Normalize trims surrounding whitespace and lower-cases an address. Every
// lookup, cache key, and rate-limit key must use the normalized form so the
// same identity always lands in the same bucket.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Valid reports whether a normalized address is acceptable input: non-empty,
// within MaxLength, and matching a basic email pattern.
func Valid(address string) bool {
	if address == "" || len(address) > MaxLength {
		return false
	}
	return govalidator.IsEmail(address)
}
