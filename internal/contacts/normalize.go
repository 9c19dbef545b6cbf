package contacts

import "strings"

func looksLikeEmail(s string) bool {
	return strings.Contains(s, "@")
}

// normalizeEmail trims, strips angle brackets and lowercases.
func normalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "<")
	s = strings.TrimRight(s, ">")
	return strings.ToLower(strings.TrimSpace(s))
}

func phoneDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneKeys returns every lookup key for a phone number: the bare digits, the
// digits with a leading "+", and for "+1" numbers the national 10-digit forms.
// Business chat handles ("urn:biz:...") have no keys.
func PhoneKeys(raw string) []string {
	if strings.Contains(raw, "urn:") {
		return nil
	}
	digits := phoneDigits(raw)
	if digits == "" {
		return nil
	}
	keys := []string{digits, "+" + digits}
	if len(digits) == 11 && strings.HasPrefix(strings.TrimSpace(raw), "+1") {
		national := digits[1:]
		keys = append(keys, national, "+"+national)
	}
	return keys
}

// suffixKey is the last ten digits used for the loose fallback match.
func suffixKey(raw string) string {
	if strings.Contains(raw, "urn:") {
		return ""
	}
	d := phoneDigits(raw)
	if len(d) < 10 {
		return ""
	}
	return d[len(d)-10:]
}
