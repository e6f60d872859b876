package auth

import (
	"log/slog"
	"net/http"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
	"github.com/rhuss/taskrun/pkg/observability"
	"github.com/rhuss/taskrun/pkg/transport"
)

// DefaultBypassEndpoints are served without authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates requests with a, enforces limiter when it is
// non-nil, and passes the identity and tenant downstream. Paths in bypass
// skip both checks.
func Middleware(a Authenticator, limiter RateLimiter, bypass []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(bypass))
	for _, p := range bypass {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res := a.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"decision", res.Decision.String(),
					"error", res.Err,
				)
				transport.WriteErrorResponse(w, api.NewUnauthorizedError("authentication required"), http.StatusUnauthorized)
				return
			}
			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned an identity without subject")
				transport.WriteErrorResponse(w, api.NewServerError("internal authentication error"), http.StatusInternalServerError)
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.ServiceTier)
					observability.RateLimitRejectedTotal.WithLabelValues(id.ServiceTier).Inc()
					transport.WriteErrorResponse(w, api.NewTooManyRequestsError(err.Error()), http.StatusTooManyRequests)
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			if id.Tenant != "" {
				ctx = history.SetTenant(ctx, id.Tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
