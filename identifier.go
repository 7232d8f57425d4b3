package auth

import (
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// IdentifierNormalizer canonicalizes login identifiers so lookups are case
// insensitive and phone numbers match regardless of formatting.
type IdentifierNormalizer struct {
	// DefaultRegion is the ISO 3166 region used for numbers without a
	// country prefix. Empty means only +prefixed numbers are recognized.
	DefaultRegion string
}

// Normalize returns the canonical form of raw: lowercase email or username,
// or E.164 for a valid phone number.
func (n IdentifierNormalizer) Normalize(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	if strings.Contains(id, "@") {
		return strings.ToLower(id)
	}
	if looksLikePhone(id) {
		if num, err := phonenumbers.Parse(id, n.region(id)); err == nil && phonenumbers.IsValidNumber(num) {
			return phonenumbers.Format(num, phonenumbers.E164)
		}
	}
	return strings.ToLower(id)
}

func (n IdentifierNormalizer) region(id string) string {
	if strings.HasPrefix(id, "+") {
		return ""
	}
	return strings.ToUpper(n.DefaultRegion)
}

// NormalizeIdentifier uses a normalizer without a default region.
func NormalizeIdentifier(raw string) string {
	return IdentifierNormalizer{}.Normalize(raw)
}

func looksLikePhone(id string) bool {
	digits := 0
	for i, r := range id {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 6
}
