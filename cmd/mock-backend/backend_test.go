package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/completion"
)

func newClient(t *testing.T, url, key string) *completion.Client {
	t.Helper()
	c, err := completion.New(completion.Config{URL: url + "/v1/chat/completions", APIKey: key})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCannedPrograms(t *testing.T) {
	ts := httptest.NewServer((&backend{}).routes())
	defer ts.Close()
	c := newClient(t, ts.URL, "tok")

	tests := []struct {
		task     string
		wantCode string
		wantDeps []string
		wantErr  api.ErrorType
	}{
		{task: "say hello", wantCode: `print("say hello")`},
		{task: "Delete /data/old.txt", wantCode: "os.remove("},
		{task: "fetch a page with requests", wantCode: "import requests", wantDeps: []string{"requests"}},
		{task: "this should fail", wantCode: "sys.exit(1)"},
		{task: "reply not json", wantErr: api.ErrorTypeSchemaViolation},
		{task: "missing code please", wantErr: api.ErrorTypeSchemaViolation},
		{task: "trigger upstream failure", wantErr: api.ErrorTypeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			res, err := c.Complete(context.Background(), tt.task)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected %s error", tt.wantErr)
				}
				if got := api.AsAPIError(err).Type; got != tt.wantErr {
					t.Errorf("error type = %s, want %s", got, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if !strings.Contains(res.Code, tt.wantCode) {
				t.Errorf("code %q does not contain %q", res.Code, tt.wantCode)
			}
			mods := res.Modules()
			if len(mods) != len(tt.wantDeps) {
				t.Fatalf("modules = %v, want %v", mods, tt.wantDeps)
			}
			for i := range mods {
				if mods[i] != tt.wantDeps[i] {
					t.Errorf("modules = %v, want %v", mods, tt.wantDeps)
				}
			}
		})
	}
}

func TestRejectsWrongKey(t *testing.T) {
	ts := httptest.NewServer((&backend{key: "right"}).routes())
	defer ts.Close()

	_, err := newClient(t, ts.URL, "wrong").Complete(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr := api.AsAPIError(err)
	if apiErr.Type != api.ErrorTypeUpstream || !strings.Contains(apiErr.Message, "401") {
		t.Errorf("error = %v", apiErr)
	}
}
