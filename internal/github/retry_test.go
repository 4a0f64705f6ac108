package github

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryWithBackoffRecoversTransientFailure(t *testing.T) {
	attempts := 0
	err := retryWithBackoffCustom(3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("read tcp: connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want recovery", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := errors.New("PATCH /git/refs failed with status 422: protected branch")
	err := retryWithBackoffCustom(3, time.Millisecond, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent error surfaced", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent errors)", attempts)
	}
}

func TestRetryWithBackoffGivesUpAfterCeiling(t *testing.T) {
	attempts := 0
	err := retryWithBackoffCustom(2, time.Millisecond, func() error {
		attempts++
		return errors.New("dial tcp: i/o timeout")
	})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want maxRetries+1", attempts)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", errors.New("unexpected EOF"), true},
		{"timeout", errors.New("dial tcp: i/o timeout"), true},
		{"connection refused", errors.New("connect: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"no such host", errors.New("lookup api.github.com: no such host"), true},
		{"permission", errors.New("403 Resource not accessible by integration"), false},
		{"merge conflict", errors.New("POST /merges failed with status 409"), false},
		{"validation", errors.New("failed with status 422: invalid tree"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// A dropped connection on the first attempt must not fail the commit path.
func TestCommitterRetriesDroppedConnection(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"object":{"sha":"trunk000"}}`)
	}))
	defer srv.Close()

	c := NewAPICommitterForBase(srv.URL)
	sha, err := c.getRef("acme", "widgets", "heads/main", "tok")
	if err != nil {
		t.Fatalf("getRef: %v", err)
	}
	if sha != "trunk000" {
		t.Errorf("sha = %q, want trunk000", sha)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2 (one dropped, one served)", hits)
	}
}
