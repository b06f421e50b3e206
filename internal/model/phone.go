package model

import (
	"regexp"
	"strings"
)

var nonDigit = regexp.MustCompile(`\D`)

// NormalizePhone reduces a phone number to its digits so that lookups are
// insensitive to formatting ("+55 11 9..." vs "55119..."). A leading "+" or
// "00" international prefix is stripped along with every other non-digit.
func NormalizePhone(number string) string {
	digits := nonDigit.ReplaceAllString(number, "")
	digits = strings.TrimPrefix(digits, "00")
	return digits
}

// ValidPhone reports whether a normalized number has a plausible length.
// The engine does not attempt per-country validation.
func ValidPhone(number string) bool {
	n := len(NormalizePhone(number))
	return n >= 5 && n <= 15
}
