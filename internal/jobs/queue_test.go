package jobs

import (
	"testing"
	"time"
)

func TestBackoffDelayDoubles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	if got := backoffDelay(20); got != maxRetryDelay {
		t.Fatalf("backoffDelay(20) = %v, want cap %v", got, maxRetryDelay)
	}
}

func TestBackoffDelayFloorsAttempts(t *testing.T) {
	t.Parallel()

	if got := backoffDelay(0); got != baseRetryDelay {
		t.Fatalf("backoffDelay(0) = %v, want %v", got, baseRetryDelay)
	}
	if got := backoffDelay(-3); got != baseRetryDelay {
		t.Fatalf("backoffDelay(-3) = %v, want %v", got, baseRetryDelay)
	}
}
