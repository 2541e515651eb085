package llm

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "first failure uses base delay",
			policy:  RetryPolicy{BaseDelay: 200 * time.Millisecond, BackoffFactor: 2},
			attempt: 0,
			want:    200 * time.Millisecond,
		},
		{
			name:    "second failure doubles",
			policy:  RetryPolicy{BaseDelay: 200 * time.Millisecond, BackoffFactor: 2},
			attempt: 1,
			want:    400 * time.Millisecond,
		},
		{
			name:    "third failure doubles again",
			policy:  RetryPolicy{BaseDelay: 200 * time.Millisecond, BackoffFactor: 2},
			attempt: 2,
			want:    800 * time.Millisecond,
		},
		{
			name:    "zero base delay means no wait",
			policy:  RetryPolicy{BaseDelay: 0, BackoffFactor: 2},
			attempt: 3,
			want:    0,
		},
		{
			name:    "missing factor defaults to constant delay",
			policy:  RetryPolicy{BaseDelay: time.Second},
			attempt: 4,
			want:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := (RetryPolicy{}).attempts(); got != 1 {
		t.Errorf("zero-value policy attempts = %d, want 1", got)
	}
	if got := (RetryPolicy{MaxAttempts: 5}).attempts(); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
	if got := DefaultRetryPolicy().attempts(); got != 3 {
		t.Errorf("default attempts = %d, want 3", got)
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepContext(ctx, time.Hour); err == nil {
		t.Error("sleepContext should return the context error when cancelled")
	}
}

func TestSleepContext_ZeroDelay(t *testing.T) {
	if err := sleepContext(context.Background(), 0); err != nil {
		t.Errorf("sleepContext(0) = %v, want nil", err)
	}
}
