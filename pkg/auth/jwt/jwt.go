// Package jwt authenticates bearer tokens issued by an OIDC provider.
// Tokens must be RSA signed by a key published in the provider's JWKS
// document; the key set is cached for Config.CacheTTL.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/rhuss/taskrun/pkg/auth"
)

// Config configures the authenticator.
type Config struct {
	// Issuer and Audience are checked when set.
	Issuer   string
	Audience string

	JWKSURL string

	// Claim names. Defaults: sub, tenant_id, tier, scope.
	UserClaim   string
	TenantClaim string
	TierClaim   string
	ScopesClaim string

	// CacheTTL bounds how long a fetched key set is trusted. Default 1h.
	CacheTTL time.Duration

	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

type keySet map[string]*rsa.PublicKey

// Authenticator validates JWT bearer tokens.
type Authenticator struct {
	cfg Config

	fetchMu sync.Mutex
	keys    *ttlcache.Cache[string, keySet]
}

// New creates an authenticator. The key set is fetched lazily.
func New(cfg Config) *Authenticator {
	cfg.setDefaults()
	return &Authenticator{
		cfg: cfg,
		keys: ttlcache.New[string, keySet](
			ttlcache.WithTTL[string, keySet](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, keySet](),
		),
	}
}

// Authenticate implements auth.Authenticator. Requests without a bearer
// token abstain so other authenticators in the chain can handle them.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	raw, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if raw == "" {
		return auth.Result{Decision: auth.No, Err: errors.New("empty bearer token")}
	}

	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.key(ctx, kid)
	}, a.parserOptions()...)
	if err != nil {
		slog.Debug("jwt rejected", "error", err)
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("invalid token: %w", err)}
	}

	subject := stringClaim(claims, a.cfg.UserClaim)
	if subject == "" {
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("token has no %q claim", a.cfg.UserClaim)}
	}

	return auth.Result{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:     subject,
			Tenant:      stringClaim(claims, a.cfg.TenantClaim),
			ServiceTier: stringClaim(claims, a.cfg.TierClaim),
			Scopes:      scopes(claims[a.cfg.ScopesClaim]),
		},
	}
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwtlib.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.cfg.Audience))
	}
	return opts
}

// key returns the public key for kid. An unknown kid refetches the key
// set once in case the provider rotated keys.
func (a *Authenticator) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if item := a.keys.Get(a.cfg.JWKSURL); item != nil {
		if k, ok := item.Value()[kid]; ok {
			return k, nil
		}
	}

	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	set, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}
	a.keys.Set(a.cfg.JWKSURL, set, ttlcache.DefaultTTL)

	k, ok := set[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not in JWKS", kid)
	}
	return k, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (a *Authenticator) fetch(ctx context.Context) (keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building JWKS request: %w", err)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}

	set := make(keySet, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			slog.Warn("skipping JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		set[k.Kid] = pub
	}
	slog.Debug("JWKS fetched", "url", a.cfg.JWKSURL, "keys", len(set))
	return set, nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent too large")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// scopes accepts a space separated string or a JSON array of strings.
func scopes(v any) []string {
	switch v := v.(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			return f
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
