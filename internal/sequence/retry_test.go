package sequence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("calling webhook: %w", context.DeadlineExceeded), true},
		{"connection reset code", errors.New("read tcp: ECONNRESET"), true},
		{"dns failure", errors.New("getaddrinfo ENOTFOUND api.example.com"), true},
		{"timed out", errors.New("ETIMEDOUT"), true},
		{"refused", errors.New("dial tcp: ECONNREFUSED"), true},
		{"http 429", errors.New("provider returned 429 Too Many Requests"), true},
		{"http 502", errors.New("unexpected status 502"), true},
		{"http 503", errors.New("503 service unavailable"), true},
		{"http 504", errors.New("504 gateway timeout"), true},
		{"rate limit prose", errors.New("Rate Limit exceeded for account"), true},
		{"timeout prose", errors.New("request timeout after 30s"), true},
		{"temporary failure", errors.New("Temporary Failure in name resolution"), true},
		{"bad credentials", errors.New("invalid API key"), false},
		{"http 400", errors.New("unexpected status 400"), false},
		{"validation", errors.New("missing email step configuration"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
