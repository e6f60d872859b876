package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
)

// Logging emits one structured entry per task run. Client-side failures
// (forbidden code, bad input) log at warn, everything else at error.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next TaskRunner) TaskRunner {
		return TaskRunnerFunc(func(ctx context.Context, task string) (*RunResult, error) {
			start := time.Now()

			res, err := next.RunTask(ctx, task)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("task", debug.Truncate(task, 120)),
				slog.Duration("duration", time.Since(start)),
			}
			if res != nil {
				attrs = append(attrs, slog.String("run_id", res.RunID))
			}

			if err != nil {
				apiErr := api.AsAPIError(err)
				attrs = append(attrs, slog.String("error_type", string(apiErr.Type)), slog.String("error", apiErr.Message))
				level := slog.LevelError
				if HTTPStatusFromError(apiErr) < 500 {
					level = slog.LevelWarn
				}
				logger.LogAttrs(ctx, level, "task failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "task completed", attrs...)
			}
			return res, err
		})
	}
}
