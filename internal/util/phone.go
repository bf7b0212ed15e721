package util

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d\+]+`)

// defaultCountryCode completes local-format numbers. Campaign recipients
// arrive in whatever shape the partner's address book holds.
const defaultCountryCode = "+98"

// NormalizePhone tries to normalize user input into E.164-like format.
// It returns "" for input that cannot plausibly be a phone number, which
// callers treat as "drop this recipient".
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	s = nonPhoneChars.ReplaceAllString(s, "")

	switch {
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && len(s) == 11:
		s = defaultCountryCode + s[1:]
	case strings.HasPrefix(s, "9") && len(s) == 10:
		s = defaultCountryCode + s
	case strings.HasPrefix(s, "98"):
		s = "+" + s
	}

	if len(s) < 8 {
		return ""
	}

	return s
}
