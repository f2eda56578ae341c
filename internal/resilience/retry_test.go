package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// flaky fails with errs in order, then returns "page".
func flaky(errs ...error) (func(context.Context) (string, error), *int) {
	calls := 0
	return func(_ context.Context) (string, error) {
		calls++
		if calls <= len(errs) {
			return "", errs[calls-1]
		}
		return "page", nil
	}, &calls
}

func TestDoVal(t *testing.T) {
	overloaded := NewTransientError(errors.New("overloaded"), StatusOverloaded)
	badRequest := errors.New("invalid request: max_tokens too large")

	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantVal   string
		wantErr   error
		wantCalls int
	}{
		{name: "first attempt", attempts: 3, wantVal: "page", wantCalls: 1},
		{name: "recovers after transient", attempts: 3, errs: []error{overloaded, overloaded}, wantVal: "page", wantCalls: 3},
		{name: "exhausts attempts", attempts: 2, errs: []error{overloaded, overloaded, overloaded}, wantErr: overloaded, wantCalls: 2},
		{name: "permanent error not retried", attempts: 5, errs: []error{badRequest}, wantErr: badRequest, wantCalls: 1},
		{name: "per-call deadline retried", attempts: 3, errs: []error{context.DeadlineExceeded}, wantVal: "page", wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := flaky(tt.errs...)
			got, err := DoVal(context.Background(), fastRetry(tt.attempts), fn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantVal {
				t.Errorf("value = %q, want %q", got, tt.wantVal)
			}
			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestDoVal_CancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}

	calls := 0
	start := time.Now()
	_, err := DoVal(ctx, cfg, func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("search unavailable"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancelled retry should not sleep")
	}
}

func TestDoVal_ShouldRetryOverride(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "header not ready" }

	fn, calls := flaky(errors.New("header not ready"), NewTransientError(errors.New("gone"), 503))
	_, err := DoVal(context.Background(), cfg, fn)
	if err == nil || err.Error() != "gone" {
		t.Fatalf("error = %v, want gone", err)
	}
	if *calls != 2 {
		t.Errorf("calls = %d, want 2", *calls)
	}
}

func TestDoVal_OnRetry(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	fn, _ := flaky(NewTransientError(errors.New("busy"), 429), NewTransientError(errors.New("busy"), 429))
	if _, err := DoVal(context.Background(), cfg, fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: -1})
	def := DefaultRetryConfig()
	if cfg.MaxAttempts != def.MaxAttempts || cfg.InitialBackoff != def.InitialBackoff ||
		cfg.MaxBackoff != def.MaxBackoff || cfg.Multiplier != def.Multiplier {
		t.Errorf("applyDefaults = %+v, want defaults %+v", cfg, def)
	}
	if cfg.JitterFraction != 0 {
		t.Errorf("negative jitter should clamp to 0, got %v", cfg.JitterFraction)
	}
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if d := computeBackoff(attempt, cfg); d != w {
			t.Errorf("attempt %d: backoff = %v, want %v", attempt, d, w)
		}
	}

	cfg.JitterFraction = 0.5
	for range 50 {
		d := computeBackoff(0, cfg)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [50ms, 150ms]", d)
		}
	}
}

func TestDelayFor_HonorsRetryAfter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	})

	te := NewTransientError(errors.New("rate limited"), 429)
	te.RetryAfter = 3 * time.Second
	if d := delayFor(0, te, cfg); d != 3*time.Second {
		t.Errorf("expected Retry-After delay of 3s, got %v", d)
	}

	te.RetryAfter = time.Minute
	if d := delayFor(0, te, cfg); d != 10*time.Second {
		t.Errorf("expected Retry-After capped at 10s, got %v", d)
	}
}

func TestRetryLogger(t *testing.T) {
	RetryLogger("edgar", "search")(1, errors.New("i/o timeout"))
}
