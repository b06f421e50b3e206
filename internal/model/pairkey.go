package model

import "strings"

// PairKey derives the canonical chat id for two user ids. The result is
// independent of argument order, so both sides of a conversation compute the
// same document key and the store's upsert-by-key semantics guarantee a
// single chat per pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// SplitPairKey returns the two user ids encoded in a pair key. The second
// return value is false if key is not a valid pair key.
func SplitPairKey(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, "_")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
