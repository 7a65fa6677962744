// Package phone canonicalizes phone numbers so that numbers typed by a user
// and numbers reported by a Telegram contact card compare equal.
package phone

import "strings"

const (
	minDigits = 10
	maxDigits = 15

	// Ethiopian national numbers are written 09XXXXXXXX; the international form is 2519XXXXXXXX.
	countryCode    = "251"
	nationalLength = 10
	nationalPrefix = "09"
)

// Digits strips every non-digit character from raw.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the comparable digit form of raw. A 10-digit national
// number starting with 09 gets its trunk 0 replaced by the country code;
// anything else is returned as bare digits.
func Normalize(raw string) string {
	digits := Digits(raw)
	if len(digits) == nationalLength && strings.HasPrefix(digits, nationalPrefix) {
		return countryCode + digits[1:]
	}
	return digits
}

// Validate reports whether raw contains between 10 and 15 digits.
func Validate(raw string) bool {
	n := len(Digits(raw))
	return n >= minDigits && n <= maxDigits
}

// Equal compares two phone numbers on their normalized forms.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Mask masks a phone number for logging (e.g. +2********67). It works on
// runes so the result stays valid UTF-8 whatever the user typed.
func Mask(raw string) string {
	r := []rune(raw)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
