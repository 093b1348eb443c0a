package transform

import "strings"

// minPhoneDigits is the shortest digit string still treated as a phone.
// Anything shorter becomes the empty phone, which disables phone-based
// contact and lead lookups for the record.
const minPhoneDigits = 10

// NormalizePhone reduces |raw| to a leading-plus digit string.
// Russian conventions are folded in: a leading 8 on an 11-digit number is the
// trunk prefix and becomes 7, and a bare 10-digit local number gains the 7
// country code. An unusable number normalizes to "".
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	var digits = b.String()

	switch {
	case len(digits) == 11 && digits[0] == '8':
		digits = "7" + digits[1:]
	case len(digits) == 10:
		digits = "7" + digits
	}

	if len(digits) < minPhoneDigits {
		return ""
	}
	return "+" + digits
}
