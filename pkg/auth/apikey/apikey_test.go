package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/taskrun/pkg/auth"
)

func newTestAuth() *Authenticator {
	return New([]Key{
		{Secret: "sk-test-key-1", Identity: auth.Identity{Subject: "alice", ServiceTier: "standard", Tenant: "org-1"}},
		{Secret: "sk-test-key-2", Identity: auth.Identity{Subject: "bob", ServiceTier: "premium", Scopes: []string{"runs:read"}}},
		{Secret: "", Identity: auth.Identity{Subject: "nobody"}},
	})
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		wantVote    auth.Decision
		wantSubject string
		wantTenant  string
	}{
		{"bearer first key", map[string]string{"Authorization": "Bearer sk-test-key-1"}, auth.Yes, "alice", "org-1"},
		{"bearer second key", map[string]string{"Authorization": "Bearer sk-test-key-2"}, auth.Yes, "bob", ""},
		{"x-api-key header", map[string]string{HeaderName: "sk-test-key-2"}, auth.Yes, "bob", ""},
		{"wrong key", map[string]string{"Authorization": "Bearer sk-wrong"}, auth.No, "", ""},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}, auth.No, "", ""},
		{"no credentials", nil, auth.Abstain, "", ""},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, auth.Abstain, "", ""},
	}

	a := newTestAuth()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			res := a.Authenticate(context.Background(), r)

			if res.Decision != tt.wantVote {
				t.Fatalf("Decision = %s, want %s", res.Decision, tt.wantVote)
			}
			if tt.wantVote != auth.Yes {
				return
			}
			if res.Identity.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", res.Identity.Subject, tt.wantSubject)
			}
			if res.Identity.Tenant != tt.wantTenant {
				t.Errorf("Tenant = %q, want %q", res.Identity.Tenant, tt.wantTenant)
			}
		})
	}
}

func TestEmptySecretsSkipped(t *testing.T) {
	if got := newTestAuth().Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestIdentityIsCopied(t *testing.T) {
	a := newTestAuth()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer sk-test-key-2")

	first := a.Authenticate(context.Background(), r)
	first.Identity.Subject = "mallory"
	first.Identity.Scopes[0] = "admin"

	second := a.Authenticate(context.Background(), r)
	if second.Identity.Subject != "bob" || second.Identity.Scopes[0] != "runs:read" {
		t.Errorf("stored identity was modified: %+v", second.Identity)
	}
}
