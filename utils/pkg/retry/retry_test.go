package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestUnbond_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestUnbond_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestUnbond_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	attempts := 0
	originalErr := errors.New("connection reset")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
}

func TestUnbond_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	attempts := 0
	originalErr := errors.New("invalid input")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt (non-retryable), got %d", attempts)
	}
	if err != originalErr {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestUnbond_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestUnbond_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net op error", err: &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, want: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "EOF", err: errors.New("unexpected EOF"), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "context deadline", err: context.DeadlineExceeded, want: false},
		{name: "429", err: &httpError{statusCode: http.StatusTooManyRequests}, want: true},
		{name: "500", err: &httpError{statusCode: http.StatusInternalServerError}, want: true},
		{name: "502", err: &httpError{statusCode: http.StatusBadGateway}, want: true},
		{name: "503", err: &httpError{statusCode: http.StatusServiceUnavailable}, want: true},
		{name: "400", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
		{name: "404", err: &httpError{statusCode: http.StatusNotFound}, want: false},
		{name: "plain error", err: errors.New("invalid amount"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnbond_Retry_BackoffRange(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := time.Second

	for i := 0; i < 20; i++ {
		got := backoff(base, max, 1)
		// 200ms * jitter in [0.5, 1.0]
		if got < 100*time.Millisecond || got > 200*time.Millisecond {
			t.Errorf("backoff out of range: %v", got)
		}
	}

	// Capped at max before jitter.
	for i := 0; i < 20; i++ {
		got := backoff(base, max, 10)
		if got < 500*time.Millisecond || got > time.Second {
			t.Errorf("capped backoff out of range: %v", got)
		}
	}
}

// httpError implements StatusCode() for testing HTTP error classification.
type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return http.StatusText(e.statusCode)
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}
