package transport

import "context"

// Middleware wraps a TaskRunner. The first middleware passed to Chain is
// the outermost.
type Middleware func(TaskRunner) TaskRunner

// Chain composes middleware: Chain(a, b, c) produces a(b(c(runner))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next TaskRunner) TaskRunner {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID returns ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
