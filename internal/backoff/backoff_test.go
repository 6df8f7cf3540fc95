package backoff_test

import (
	"testing"
	"time"

	"github.com/petrijr/steward/internal/backoff"
	"github.com/petrijr/steward/pkg/api"
)

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{64, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_StaysInRange(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 5*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := time.Second << (attempt - 1)
		if ceiling > 5*time.Second {
			ceiling = 5 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := e.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestForPolicy_Defaults(t *testing.T) {
	s, ok := backoff.ForPolicy(api.BackoffPolicy{}).(*backoff.ExponentialWithJitter)
	if !ok {
		t.Fatalf("expected *ExponentialWithJitter")
	}
	if s.Initial != api.DefaultInitialBackoff || s.Max != api.DefaultMaxBackoff {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestFunc_Adapter(t *testing.T) {
	s := backoff.Func(func(n int) time.Duration { return time.Duration(n) * time.Millisecond })
	if got := s.Delay(3); got != 3*time.Millisecond {
		t.Fatalf("Delay(3) = %v", got)
	}
}
