// Package apikey authenticates callers by static API keys presented as a
// bearer token or in the X-API-Key header. Only SHA-256 digests of the
// keys are kept in memory.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/taskrun/pkg/auth"
)

// HeaderName is the alternative header checked when no bearer token is sent.
const HeaderName = "X-API-Key"

// Key binds a secret to the identity it authenticates.
type Key struct {
	Secret   string
	Identity auth.Identity
}

type entry struct {
	digest   [sha256.Size]byte
	identity auth.Identity
}

// Authenticator checks presented keys against a fixed set.
type Authenticator struct {
	entries []entry
}

// New hashes keys and returns an authenticator for them. Keys with an
// empty secret are skipped.
func New(keys []Key) *Authenticator {
	a := &Authenticator{entries: make([]entry, 0, len(keys))}
	for _, k := range keys {
		if k.Secret == "" {
			continue
		}
		a.entries = append(a.entries, entry{digest: sha256.Sum256([]byte(k.Secret)), identity: k.Identity})
	}
	return a
}

// Len returns the number of usable keys.
func (a *Authenticator) Len() int { return len(a.entries) }

// Authenticate implements auth.Authenticator. It abstains when the request
// carries neither a bearer token nor an X-API-Key header.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	secret, ok := auth.BearerToken(r)
	if !ok {
		if secret = r.Header.Get(HeaderName); secret == "" {
			return auth.Result{Decision: auth.Abstain}
		}
	}
	if secret == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	digest := sha256.Sum256([]byte(secret))
	// Compare against every entry so timing does not reveal the position.
	match := -1
	for i := range a.entries {
		if subtle.ConstantTimeCompare(digest[:], a.entries[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := a.entries[match].identity
	id.Scopes = append([]string(nil), id.Scopes...)
	return auth.Result{Decision: auth.Yes, Identity: &id}
}
