package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

func init() {
	// Fall back to a podman machine socket when no Docker host is set.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			if sock := strings.TrimSpace(string(out)); sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
				if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
					os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
				}
			}
		}
	}
}

// setupTestDB starts PostgreSQL in a container and returns a migrated
// Store. The test is skipped when no container runtime is reachable.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true")
	}
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("taskrun_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 4, MinConns: 1, MigrateOnStart: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeRun(id string, createdAt int64) *api.RunRecord {
	return &api.RunRecord{
		ID:           id,
		Task:         "sort /data/contacts.json by last name",
		Status:       api.RunStatusSucceeded,
		Code:         "import json\nprint('ok')",
		Dependencies: []string{"rich"},
		Output:       "ok",
		Backend:      "local",
		DurationMs:   87,
		CreatedAt:    createdAt,
	}
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("run_%s_%d", prefix, time.Now().UnixNano())
}

func TestPostgres_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeRun(uniqueID("get"), time.Now().Unix())
	rec.Status = api.RunStatusFailed
	rec.ExitCode = 1
	rec.ErrorType = api.ErrorTypeExecution
	rec.ErrorMessage = "Error executing code: NameError"

	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	got, err := store.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Object != "run" || got.Task != rec.Task || got.Code != rec.Code {
		t.Errorf("got %+v", got)
	}
	if got.Status != api.RunStatusFailed || got.ErrorType != api.ErrorTypeExecution || got.ExitCode != 1 {
		t.Errorf("status fields = %s/%s/%d", got.Status, got.ErrorType, got.ExitCode)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "rich" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store := setupTestDB(t)
	if _, err := store.GetRun(context.Background(), "run_missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_DuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeRun(uniqueID("dup"), 1)
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRun(ctx, rec); !errors.Is(err, history.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestPostgres_ListRuns(t *testing.T) {
	store := setupTestDB(t)
	ctx := history.SetTenant(context.Background(), uniqueID("tenant"))

	var ids []string
	for i := range 4 {
		rec := makeRun(uniqueID(fmt.Sprintf("list%d", i)), int64(1000+i))
		if i == 1 {
			rec.Status = api.RunStatusRejected
		}
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	page, err := store.ListRuns(ctx, history.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(page.Data) != 2 || !page.HasMore || page.Data[0].ID != ids[3] || page.Data[1].ID != ids[2] {
		t.Fatalf("first page = %+v", page)
	}

	next, err := store.ListRuns(ctx, history.ListOptions{Limit: 2, After: page.LastID})
	if err != nil {
		t.Fatalf("ListRuns(after): %v", err)
	}
	if len(next.Data) != 2 || next.HasMore || next.Data[0].ID != ids[1] {
		t.Errorf("second page = %+v", next)
	}

	rejected, err := store.ListRuns(ctx, history.ListOptions{Status: api.RunStatusRejected})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected.Data) != 1 || rejected.Data[0].ID != ids[1] {
		t.Errorf("rejected = %+v", rejected.Data)
	}

	asc, err := store.ListRuns(ctx, history.ListOptions{Order: "asc", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc.Data) != 1 || asc.Data[0].ID != ids[0] {
		t.Errorf("asc = %+v", asc.Data)
	}
	if _, err := store.ListRuns(ctx, history.ListOptions{After: uniqueID("missing")}); !errors.Is(err, history.ErrUnknownCursor) {
		t.Errorf("unknown cursor: err = %v, want ErrUnknownCursor", err)
	}
	other := history.SetTenant(context.Background(), uniqueID("tenant"))
	if _, err := store.ListRuns(other, history.ListOptions{After: ids[0]}); !errors.Is(err, history.ErrUnknownCursor) {
		t.Errorf("other tenant's cursor: err = %v, want ErrUnknownCursor", err)
	}
}

func TestPostgres_TenantIsolation(t *testing.T) {
	store := setupTestDB(t)
	ctxA := history.SetTenant(context.Background(), "tenant-a")
	ctxB := history.SetTenant(context.Background(), "tenant-b")

	rec := makeRun(uniqueID("tenant"), 1)
	if err := store.SaveRun(ctxA, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRun(ctxA, rec.ID); err != nil {
		t.Errorf("owner cannot read: %v", err)
	}
	if _, err := store.GetRun(ctxB, rec.ID); !errors.Is(err, history.ErrNotFound) {
		t.Error("other tenant can read")
	}
	if _, err := store.GetRun(context.Background(), rec.ID); err != nil {
		t.Errorf("single-tenant context should see all runs: %v", err)
	}
}

func TestPostgres_MigrationsIdempotent(t *testing.T) {
	store := setupTestDB(t)
	if err := store.migrate(context.Background()); err != nil {
		t.Errorf("second migrate: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestPendingOrder(t *testing.T) {
	ms, err := pendingOrder()
	if err != nil {
		t.Fatalf("pendingOrder: %v", err)
	}
	if len(ms) < 2 {
		t.Fatalf("found %d migrations", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %v", ms)
		}
	}
	if ms[0].name != "001_create_runs.sql" {
		t.Errorf("first migration = %q", ms[0].name)
	}
}
