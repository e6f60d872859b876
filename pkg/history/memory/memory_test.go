package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

func makeRun(id string, createdAt int64) *api.RunRecord {
	return &api.RunRecord{
		ID:           id,
		Object:       "run",
		Task:         "count the wednesdays in /data/dates.txt",
		Status:       api.RunStatusSucceeded,
		Code:         "print(42)",
		Dependencies: []string{"python-dateutil"},
		Output:       "42",
		Backend:      "local",
		DurationMs:   120,
		CreatedAt:    createdAt,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	if err := s.SaveRun(ctx, makeRun("run_1", 1000)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	got, err := s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Output != "42" || got.Status != api.RunStatusSucceeded || got.Backend != "local" {
		t.Errorf("got %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "python-dateutil" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
}

func TestStoredRecordIsACopy(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	rec := makeRun("run_copy", 1)
	s.SaveRun(ctx, rec)
	rec.Output = "mutated"
	rec.Dependencies[0] = "mutated"

	got, _ := s.GetRun(ctx, "run_copy")
	if got.Output != "42" || got.Dependencies[0] != "python-dateutil" {
		t.Errorf("store shares memory with caller: %+v", got)
	}

	got.Output = "also mutated"
	again, _ := s.GetRun(ctx, "run_copy")
	if again.Output != "42" {
		t.Error("returned record shares memory with store")
	}
}

func TestGetNotFound(t *testing.T) {
	s := New(0)
	if _, err := s.GetRun(context.Background(), "run_missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDuplicateSave(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.SaveRun(ctx, makeRun("run_dup", 1))
	if err := s.SaveRun(ctx, makeRun("run_dup", 2)); !errors.Is(err, history.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	s.SaveRun(ctx, makeRun("run_a", 1))
	s.SaveRun(ctx, makeRun("run_b", 2))

	// Touch a so b becomes least recently used.
	if _, err := s.GetRun(ctx, "run_a"); err != nil {
		t.Fatal(err)
	}
	s.SaveRun(ctx, makeRun("run_c", 3))

	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if _, err := s.GetRun(ctx, "run_b"); !errors.Is(err, history.ErrNotFound) {
		t.Error("run_b should have been evicted")
	}
	for _, id := range []string{"run_a", "run_c"} {
		if _, err := s.GetRun(ctx, id); err != nil {
			t.Errorf("%s evicted unexpectedly: %v", id, err)
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	s := New(0)
	ctxA := history.SetTenant(context.Background(), "tenant-a")
	ctxB := history.SetTenant(context.Background(), "tenant-b")

	s.SaveRun(ctxA, makeRun("run_t", 1))

	if _, err := s.GetRun(ctxA, "run_t"); err != nil {
		t.Errorf("owner cannot read: %v", err)
	}
	if _, err := s.GetRun(ctxB, "run_t"); !errors.Is(err, history.ErrNotFound) {
		t.Error("other tenant can read")
	}
	if _, err := s.GetRun(context.Background(), "run_t"); err != nil {
		t.Errorf("single-tenant context should see all runs: %v", err)
	}

	list, _ := s.ListRuns(ctxB, history.ListOptions{})
	if len(list.Data) != 0 {
		t.Errorf("tenant-b lists %d runs", len(list.Data))
	}
}

func TestListRuns(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		rec := makeRun(fmt.Sprintf("run_%d", i), int64(i*100))
		if i%2 == 0 {
			rec.Status = api.RunStatusFailed
		}
		s.SaveRun(ctx, rec)
	}

	tests := []struct {
		name    string
		opts    history.ListOptions
		wantIDs []string
		hasMore bool
	}{
		{"newest first", history.ListOptions{}, []string{"run_5", "run_4", "run_3", "run_2", "run_1"}, false},
		{"ascending", history.ListOptions{Order: "asc", Limit: 2}, []string{"run_1", "run_2"}, true},
		{"limit", history.ListOptions{Limit: 2}, []string{"run_5", "run_4"}, true},
		{"after cursor", history.ListOptions{Limit: 2, After: "run_4"}, []string{"run_3", "run_2"}, true},
		{"cursor outside status filter", history.ListOptions{Status: api.RunStatusFailed, After: "run_3"}, []string{"run_2"}, false},
		{"cursor on last run", history.ListOptions{After: "run_1"}, nil, false},
		{"status filter", history.ListOptions{Status: api.RunStatusFailed}, []string{"run_4", "run_2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListRuns(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if list.Object != "list" || list.Data == nil {
				t.Errorf("list = %+v", list)
			}
			var ids []string
			for _, r := range list.Data {
				ids = append(ids, r.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
			if list.HasMore != tt.hasMore {
				t.Errorf("has_more = %v, want %v", list.HasMore, tt.hasMore)
			}
			if len(ids) > 0 && (list.FirstID != ids[0] || list.LastID != ids[len(ids)-1]) {
				t.Errorf("first/last = %s/%s", list.FirstID, list.LastID)
			}
		})
	}
}

func TestListRunsUnknownCursor(t *testing.T) {
	s := New(2)
	ctxA := history.SetTenant(context.Background(), "tenant-a")
	ctxB := history.SetTenant(context.Background(), "tenant-b")
	for i := 1; i <= 3; i++ {
		s.SaveRun(ctxA, makeRun(fmt.Sprintf("run_%d", i), int64(i)))
	}

	tests := []struct {
		name   string
		ctx    context.Context
		cursor string
	}{
		{"never stored", ctxA, "run_nope"},
		{"evicted", ctxA, "run_1"},
		{"other tenant", ctxB, "run_3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListRuns(tt.ctx, history.ListOptions{After: tt.cursor})
			if !errors.Is(err, history.ErrUnknownCursor) {
				t.Errorf("err = %v, want ErrUnknownCursor", err)
			}
			if list != nil {
				t.Errorf("list = %+v, want nil", list)
			}
		})
	}

	// A cursor that is still stored keeps paging.
	list, err := s.ListRuns(ctxA, history.ListOptions{After: "run_3"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "run_2" {
		t.Errorf("data = %+v", list.Data)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	s := New(0)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
