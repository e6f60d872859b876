package auth

import (
	"context"
	"errors"
	"net/http"
)

// Decision is an authenticator's vote on a request.
type Decision int

const (
	// Yes accepts the credentials. The chain stops and the identity is used.
	Yes Decision = iota

	// No rejects credentials that were presented but are invalid.
	No

	// Abstain means the authenticator does not handle this kind of
	// credential.
	Abstain
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "abstain"
	}
}

// Result is the outcome of a single vote.
type Result struct {
	Decision Decision
	Identity *Identity // set when Decision is Yes
	Err      error     // set when Decision is No
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject identifies the caller and is recorded with every run.
	Subject string

	// ServiceTier selects the rate limit.
	ServiceTier string

	// Tenant scopes run history. Empty means unscoped.
	Tenant string

	Scopes []string
}

// HasScope reports whether the identity was granted scope.
func (id *Identity) HasScope(scope string) bool {
	if id == nil {
		return false
	}
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Anonymous is the identity used when no credentials are required.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: "default"}
}

// Authenticator votes on the credentials carried by a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain evaluates authenticators in order and stops at the first vote
// that is not Abstain.
type Chain struct {
	Authenticators []Authenticator

	// Fallback applies when every authenticator abstains. Yes admits the
	// request as Anonymous.
	Fallback Decision
}

// NewChain returns a chain that rejects requests nobody vouched for.
func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{Authenticators: authenticators, Fallback: No}
}

// Authenticate implements Authenticator.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.Fallback == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken returns the token of a "Bearer" Authorization header and
// whether the header used that scheme at all.
func BearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}
