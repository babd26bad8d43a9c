package protocol

import "strings"

// Room codes are short identifiers read out loud between broadcast
// operators. The alphabet drops the characters that are easy to mishear
// or mistype (I, L, O, 0, 1).
const (
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength   = 5
)

// NormalizeCode maps a user-typed room code onto its canonical form.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a canonical room code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}
