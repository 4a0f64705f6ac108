package review

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/completion"
)

// Verdict is the gate's judgment over a candidate change set. It is consumed
// immediately by the generation loop and never persisted.
type Verdict struct {
	Passed bool
	// Issues are blocking problems the next iteration must fix.
	Issues []string
	// Suggestions are non-blocking style/clarity notes.
	Suggestions []string
}

const systemPrompt = `You are a strict pre-merge reviewer for automated code changes.
Fail the review (passed=false) ONLY for blocking problems:
- embedded secrets or credentials
- dynamic code execution constructs (eval, exec of strings)
- unsafe file or command operations
- placeholder or incomplete stand-in content
- edits too small to plausibly implement anything
Style and clarity notes belong in suggestions, never in issues.
Respond with a single JSON object: {"passed": bool, "issues": [...], "suggestions": [...]}`

// Gate classifies a change set via a completion call, with a deterministic
// pattern fallback when the capability is unavailable or malformed.
type Gate struct {
	completer completion.Completer
}

func New(completer completion.Completer) *Gate {
	return &Gate{completer: completer}
}

// Review returns a verdict for the accumulated change set. It never returns
// an error: completion failure routes to the conservative fallback scan.
func (g *Gate) Review(ctx context.Context, cs *changeset.ChangeSet) Verdict {
	raw, err := g.completer.Complete(ctx, systemPrompt, renderChangeSet(cs))
	if err != nil {
		log.Printf("[Review] Completion unavailable, using pattern fallback: %v", err)
		return FallbackReview(cs)
	}

	payload, err := completion.ParseVerdict(raw)
	if err != nil {
		log.Printf("[Review] Invalid verdict payload, using pattern fallback: %v", err)
		return FallbackReview(cs)
	}

	return Verdict{Passed: payload.Passed, Issues: payload.Issues, Suggestions: payload.Suggestions}
}

func renderChangeSet(cs *changeset.ChangeSet) string {
	var b strings.Builder
	b.WriteString("Review the following accumulated file edits.\n")
	for _, edit := range cs.Edits() {
		fmt.Fprintf(&b, "\n--- %s (%s) ---\n", edit.Path, edit.Operation)
		if edit.Operation != changeset.OpDelete {
			b.WriteString(edit.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Blocking patterns for the fallback scan. The severity split mirrors the
// completion instruction: only these classes fail the review.
var blockingPatterns = []struct {
	re    *regexp.Regexp
	issue string
}{
	{regexp.MustCompile(`\bgh[posr]_[A-Za-z0-9]{36}\b`), "hardcoded platform token"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{11,221}\b`), "hardcoded platform token"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "hardcoded AWS access key"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`), "embedded private key"},
	{regexp.MustCompile(`(?i)\b(?:password|passwd|api[_-]?key|secret)\s*[:=]\s*["'][^"']{8,}["']`), "hardcoded credential literal"},
	{regexp.MustCompile(`(?i)\beval\s*\(`), "dynamic code execution (eval)"},
	{regexp.MustCompile(`(?i)\bnew\s+Function\s*\(`), "dynamic code execution (Function constructor)"},
	{regexp.MustCompile(`(?i)\bexec\s*\(\s*["'].*\$\{`), "command built from interpolated string"},
	{regexp.MustCompile(`(?i)\brm\s+-rf\s+[/~]`), "destructive filesystem operation"},
	{regexp.MustCompile(`(?i)\bchmod\s+777\b`), "world-writable permission change"},
}

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bTODO:?\s+implement\b`),
	regexp.MustCompile(`(?i)\bnot\s+implemented\b`),
	regexp.MustCompile(`(?i)placeholder`),
	regexp.MustCompile(`(?m)^\s*\.\.\.\s*$`),
}

var suggestionPatterns = []struct {
	re   *regexp.Regexp
	note string
}{
	{regexp.MustCompile(`(?i)\bconsole\.log\s*\(`), "debug logging left in place"},
	{regexp.MustCompile(`(?i)\bfmt\.Println\s*\(`), "debug printing left in place"},
	{regexp.MustCompile(`(?i)\bFIXME\b`), "FIXME marker present"},
}

// Newly created files below this size rarely implement anything real; the
// fallback treats them as blocking rather than guessing.
const minPlausibleCreateLen = 24

// FallbackReview is the deterministic scan used when the completion
// capability cannot judge the set. It is conservative: likely-incomplete
// output fails.
func FallbackReview(cs *changeset.ChangeSet) Verdict {
	verdict := Verdict{Passed: true}
	seen := make(map[string]struct{})

	addIssue := func(path, issue string) {
		key := path + "|" + issue
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		verdict.Issues = append(verdict.Issues, fmt.Sprintf("%s: %s", path, issue))
		verdict.Passed = false
	}

	for _, edit := range cs.Edits() {
		if edit.Operation == changeset.OpDelete {
			continue
		}

		for _, p := range blockingPatterns {
			if p.re.MatchString(edit.Content) {
				addIssue(edit.Path, p.issue)
			}
		}
		for _, re := range placeholderPatterns {
			if re.MatchString(edit.Content) {
				addIssue(edit.Path, "placeholder or incomplete content")
				break
			}
		}
		if edit.Operation == changeset.OpCreate && len(strings.TrimSpace(edit.Content)) < minPlausibleCreateLen {
			addIssue(edit.Path, "newly created file is implausibly small")
		}

		for _, s := range suggestionPatterns {
			if s.re.MatchString(edit.Content) {
				verdict.Suggestions = append(verdict.Suggestions, fmt.Sprintf("%s: %s", edit.Path, s.note))
			}
		}
	}

	return verdict
}
