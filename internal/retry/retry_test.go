package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/remiges-tech/batchcore/internal/batcherr"
)

func TestIsTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient batcherr", batcherr.Transient(errors.New("boom")), true},
		{"validation batcherr", batcherr.Validation("bad input"), false},
		{"5xx http status", &HTTPStatusError{StatusCode: 503}, true},
		{"429 http status", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"404 http status", &HTTPStatusError{StatusCode: 404}, false},
		{"plain error", errors.New("unclassified"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("%s: IsTransient() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDo_StopsRetryingOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := batcherr.Validation("never retry this")
	err := Do(context.Background(), Policy{InitialInterval: 0, MaxInterval: 0, MaxTries: 5}, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error to surface unwrapped, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialInterval: 0, MaxInterval: 0, MaxTries: 5}, func() error {
		attempts++
		if attempts < 3 {
			return &HTTPStatusError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_GivesUpAfterMaxTries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialInterval: 0, MaxInterval: 0, MaxTries: 3}, func() error {
		attempts++
		return &HTTPStatusError{StatusCode: 503}
	})
	if err == nil {
		t.Fatal("expected an error once the retry budget is exhausted")
	}
	if attempts != 4 { // initial try + 3 retries
		t.Errorf("expected 4 total attempts (1 + MaxTries), got %d", attempts)
	}
}
