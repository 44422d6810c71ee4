package notify

import (
	"regexp"
	"strings"
)

const previewMaxRunes = 80

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) string {
	out := emailPattern.ReplaceAllString(input, "[email]")
	// Cards before phones so long digit runs are not taken for phone numbers.
	out = cardPattern.ReplaceAllString(out, "[card]")
	return phonePattern.ReplaceAllString(out, "[phone]")
}

// Preview is the short, redacted, single-line excerpt a notification carries.
func Preview(text string) string {
	out := strings.Join(strings.Fields(RedactPII(text)), " ")
	r := []rune(out)
	if len(r) <= previewMaxRunes {
		return out
	}
	cut := string(r[:previewMaxRunes])
	if i := strings.LastIndex(cut, " "); i > previewMaxRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
