package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`\b(?:sk|pk|rk|ghp|xox[bp])[-_][A-Za-z0-9_\-]{16,}\b`)

	// International numbers need a leading +; local ones the 3-3-4 grouping,
	// so ISO dates and plain numbers pass through.
	phonePattern = regexp.MustCompile(`\+\d{1,3}(?:[\s.\-]?\(\d{1,4}\))?(?:[\s.\-]?\d{2,4}){2,5}\b|(?:\(\d{3}\)\s?|\b\d{3}[\s.\-])\d{3}[\s.\-]\d{4}\b`)
)

// RedactPII masks common high-risk PII patterns and credentials.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := secretPattern.ReplaceAllString(out, "[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactAll applies RedactPII to every entry in place and returns how many
// entries changed.
func RedactAll(inputs []string) int {
	changed := 0
	for i, in := range inputs {
		out, ok := RedactPII(in)
		if ok {
			inputs[i] = out
			changed++
		}
	}
	return changed
}
