package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/taskrun/pkg/api"
)

// Recovery converts a panic in the runner into a server error so the
// process keeps serving.
func Recovery() Middleware {
	return func(next TaskRunner) TaskRunner {
		return TaskRunnerFunc(func(ctx context.Context, task string) (res *RunResult, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in task runner", "panic", r, "request_id", RequestIDFromContext(ctx), "stack", string(debug.Stack()))
					res = nil
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.RunTask(ctx, task)
		})
	}
}
