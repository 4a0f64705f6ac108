package github

import (
	"errors"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// NewClient builds a typed API client authenticated with the given token.
func NewClient(token string) *gh.Client {
	return gh.NewClient(http.DefaultClient).WithAuthToken(token)
}

// IsPermissionDenied classifies an API failure as an
// "insufficient permission for this operation" error, the only class the
// credential ladder retries. Anything else is a generic failure and must
// abort instead of laddering.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		if errResp.Response.StatusCode == http.StatusForbidden {
			return true
		}
		// The git data API reports protected-ref rejections as 422 with a
		// permission message rather than 403.
		if errResp.Response.StatusCode == http.StatusUnprocessableEntity &&
			containsPermissionPhrase(errResp.Message) {
			return true
		}
	}

	msg := err.Error()
	// Raw REST helpers report "failed with status NNN".
	if strings.Contains(msg, "status 403") {
		return true
	}
	return containsPermissionPhrase(msg)
}

func containsPermissionPhrase(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, phrase := range []string{
		"permission denied",
		"insufficient permission",
		"must have admin rights",
		"resource not accessible by integration",
		"refusing to allow",
		"protected branch hook declined",
	} {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether an API error is a plain 404.
func IsNotFound(err error) bool {
	var errResp *gh.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil &&
		errResp.Response.StatusCode == http.StatusNotFound
}
