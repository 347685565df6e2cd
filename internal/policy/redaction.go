package policy

import "regexp"

// transcriptRules are applied in order. Card numbers run before phone
// numbers so a 16-digit run is not half-claimed as a phone match.
var transcriptRules = []struct {
	marker  string
	pattern *regexp.Regexp
}{
	{"[REDACTED_EMAIL]", regexp.MustCompile(`\b[\w.%+\-]+@[\w\-]+(?:\.[\w\-]+)*\.[A-Za-z]{2,}\b`)},
	{"[REDACTED_CARD]", regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\+?\d(?:[\s\-().]*\d){6,14}`)},
}

// RedactTranscript masks common high-risk PII before a transcript leaves
// the process for durable storage. Transcripts come from speech recognition,
// so digit groups may carry arbitrary spacing and punctuation; the patterns
// match on digit count rather than exact layout.
func RedactTranscript(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range transcriptRules {
		out = rule.pattern.ReplaceAllString(out, rule.marker)
	}
	return out, out != input
}
