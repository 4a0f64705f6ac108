package pathsafe

import (
	"fmt"
	"regexp"
	"strings"
)

// RejectionError explains why a path or branch name was refused.
type RejectionError struct {
	Value  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected %q: %s", e.Value, e.Reason)
}

var (
	driveLetterPattern = regexp.MustCompile(`^[a-zA-Z]:[\\/]`)
	branchAllowed      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	branchDisallowed   = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)
	dashRuns           = regexp.MustCompile(`-+`)

	// Windows device names are rejected even with extensions: "con.txt" still
	// resolves to the device on some filesystems.
	reservedNames = map[string]struct{}{
		"con": {}, "prn": {}, "aux": {}, "nul": {},
		"com1": {}, "com2": {}, "com3": {}, "com4": {},
		"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {},
	}
)

// ValidatePath reports whether a repository-relative file path is safe to
// write. It is total: any string yields either nil or a *RejectionError,
// never a panic.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return &RejectionError{Value: path, Reason: "empty path"}
	}
	if strings.ContainsRune(path, 0) {
		return &RejectionError{Value: path, Reason: "embedded null byte"}
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return &RejectionError{Value: path, Reason: "absolute path"}
	}
	if driveLetterPattern.MatchString(path) {
		return &RejectionError{Value: path, Reason: "drive letter prefix"}
	}
	if strings.ContainsAny(path, "*?<>|\"'`$;&\n\r\t") {
		return &RejectionError{Value: path, Reason: "special characters"}
	}

	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return &RejectionError{Value: path, Reason: "parent traversal"}
		}
		base := strings.ToLower(segment)
		if dot := strings.IndexByte(base, '.'); dot > 0 {
			base = base[:dot]
		}
		if _, reserved := reservedNames[base]; reserved {
			return &RejectionError{Value: path, Reason: "reserved device name"}
		}
	}

	return nil
}

// SanitizeBranch returns a git-safe branch name. Names that already satisfy
// git ref rules pass through unchanged; uppercase and underscores are legal
// and must not be rewritten. Only genuinely disallowed characters are
// replaced with a placeholder. Callers must fall back to FallbackBranchName
// when the result is still invalid.
func SanitizeBranch(name string) (string, error) {
	cleaned := strings.TrimSpace(name)
	if err := validateBranch(cleaned); err == nil {
		return cleaned, nil
	}

	cleaned = branchDisallowed.ReplaceAllString(cleaned, "-")
	cleaned = dashRuns.ReplaceAllString(cleaned, "-")
	cleaned = strings.Trim(cleaned, "-./")

	if err := validateBranch(cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}

func validateBranch(name string) error {
	if name == "" {
		return &RejectionError{Value: name, Reason: "empty branch name"}
	}
	if len(name) > 200 {
		return &RejectionError{Value: name, Reason: "branch name too long"}
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return &RejectionError{Value: name, Reason: "consecutive separators"}
	}
	if strings.HasSuffix(name, ".lock") {
		return &RejectionError{Value: name, Reason: "lock suffix"}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, "/") {
		return &RejectionError{Value: name, Reason: "trailing separator"}
	}
	if !branchAllowed.MatchString(name) {
		return &RejectionError{Value: name, Reason: "disallowed characters"}
	}
	return nil
}

// DeriveBranchName returns the canonical branch for an issue-driven task.
func DeriveBranchName(issueNumber int) string {
	return fmt.Sprintf("agent/issue-%d", issueNumber)
}

// FallbackBranchName is the deterministic branch used when a caller-supplied
// branch name fails sanitization. Identical to DeriveBranchName today; kept
// separate so the fallback contract survives naming changes.
func FallbackBranchName(issueNumber int) string {
	return DeriveBranchName(issueNumber)
}
