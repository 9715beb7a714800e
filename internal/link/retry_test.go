package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
)

func TestDo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}
	errLost := errors.New("connection reset")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantKind  hwerr.Kind
	}{
		{"first try succeeds", nil, 1, hwerr.KindUnknown},
		{"recovers on second try", []error{hwerr.Connection("w", errLost)}, 2, hwerr.KindUnknown},
		{"exhausted", []error{hwerr.Connection("w", errLost), hwerr.Connection("w", errLost)}, 2, hwerr.KindHardwareUnavailable},
		{"protocol not retried", []error{hwerr.Protocol("r", "garbage")}, 1, hwerr.KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Do(context.Background(), policy, logger, "TEST", func() (string, error) {
				calls++
				if calls <= len(tt.failures) {
					return "", tt.failures[calls-1]
				}
				return "OK", nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantKind == hwerr.KindUnknown {
				if err != nil || got != "OK" {
					t.Fatalf("Do = (%q, %v), want OK", got, err)
				}
				return
			}
			if hwerr.KindOf(err) != tt.wantKind {
				t.Fatalf("kind = %v (%v), want %v", hwerr.KindOf(err), err, tt.wantKind)
			}
			if tt.wantKind == hwerr.KindHardwareUnavailable && !errors.Is(err, errLost) {
				t.Errorf("error %v does not wrap the last failure", err)
			}
		})
	}
}
