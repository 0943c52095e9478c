package util

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used when parsing numbers without a country prefix.
const DefaultPhoneRegion = "BR"

// CanonicalizePhone validates a phone number and returns it in E.164 form
// without the leading "+", which is the canonical identity key used by the
// state store, the turn lock, and the messaging services.
func CanonicalizePhone(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}

	number, err := phonenumbers.Parse(trimmed, DefaultPhoneRegion)
	if err != nil {
		return "", fmt.Errorf("invalid phone number %q: %w", trimmed, err)
	}
	if !phonenumbers.IsValidNumber(number) {
		return "", fmt.Errorf("invalid phone number %q", trimmed)
	}

	e164 := phonenumbers.Format(number, phonenumbers.E164)
	return strings.TrimPrefix(e164, "+"), nil
}

// NormalizeE164 formats a phone number to E.164 with the leading "+".
// If parsing fails it returns the trimmed input unchanged, so callers on
// best-effort paths never lose the original value.
func NormalizeE164(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}

	number, err := phonenumbers.Parse(trimmed, DefaultPhoneRegion)
	if err != nil {
		return trimmed
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}
