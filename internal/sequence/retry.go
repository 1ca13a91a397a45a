package sequence

import (
	"context"
	"errors"
	"strings"
)

// retryableSignatures are the network/provider error shapes worth
// retrying. Anything else is treated as fatal for the enrollment.
var retryableSignatures = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ENOTFOUND",
	"ECONNREFUSED",
	"429",
	"502",
	"503",
	"504",
	"rate limit",
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
}

// maxStepRetries bounds how many times a retryable step failure is
// rescheduled before the enrollment exits with step_execution_failed.
const maxStepRetries = 3

// IsRetryable classifies a step execution error as transient (retry with
// backoff) or fatal (exit the enrollment).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}
