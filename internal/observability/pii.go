package observability

import "regexp"

type piiPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Order matters: SSNs and card numbers are masked before the looser phone
// pattern gets a chance to match their digit groups.
var piiPatterns = []piiPattern{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{1,7}\b`), "[card]"},
	{regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]\d{4}\b`), "[phone]"},
}

// MaskPII replaces e-mail addresses, phone numbers, SSNs, and card numbers
// in s with placeholders. It is applied to SQL text before it is logged or
// audited.
func MaskPII(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}
