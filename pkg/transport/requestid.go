package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// RequestID ensures the context carries a request ID. The HTTP adapter
// seeds it from X-Request-ID; otherwise a random one is generated.
func RequestID() Middleware {
	return func(next TaskRunner) TaskRunner {
		return TaskRunnerFunc(func(ctx context.Context, task string) (*RunResult, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.RunTask(ctx, task)
		})
	}
}

// NewRequestID returns a random 32 character hex ID.
func NewRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
