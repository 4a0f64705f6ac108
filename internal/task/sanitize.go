package task

import (
	"regexp"
	"strings"
)

// Task content arrives from untrusted issue/PR bodies. The cleaning pipeline
// strips channels commonly used to smuggle instructions past a reader
// (invisible characters, HTML comments, hidden attributes) and redacts
// anything that looks like a platform credential before the text is ever
// placed in a prompt or echoed back in a comment.

var (
	reInvisible  = regexp.MustCompile("[\u200B\u200C\u200D\uFEFF\u00AD]")
	reControl    = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	reBidi       = regexp.MustCompile("[\u202A-\u202E\u2066-\u2069]")
	reHTMLHidden = regexp.MustCompile(`\s(?:alt|title|aria-label|placeholder|data-[a-zA-Z0-9-]+)\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	reHTMLCmt    = regexp.MustCompile(`<!--[\s\S]*?-->`)

	reTokenShapes = []*regexp.Regexp{
		regexp.MustCompile(`\bgh[posr]_[A-Za-z0-9]{36}\b`),
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{11,221}\b`),
	}
)

// Sanitize applies the conservative cleaning pipeline to untrusted text.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = reHTMLCmt.ReplaceAllString(s, "")
	s = reInvisible.ReplaceAllString(s, "")
	s = reControl.ReplaceAllString(s, "")
	s = reBidi.ReplaceAllString(s, "")
	s = reHTMLHidden.ReplaceAllString(s, "")
	s = RedactTokens(s)
	return strings.TrimSpace(s)
}

// RedactTokens censors platform token-like strings.
func RedactTokens(s string) string {
	for _, re := range reTokenShapes {
		s = re.ReplaceAllString(s, "[REDACTED_TOKEN]")
	}
	return s
}
