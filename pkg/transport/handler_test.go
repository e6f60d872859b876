package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

func TestTaskRunnerFuncAdapter(t *testing.T) {
	var got string
	f := TaskRunnerFunc(func(_ context.Context, task string) (*RunResult, error) {
		got = task
		return &RunResult{RunID: "run_1", Output: "out"}, nil
	})

	res, err := f.RunTask(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if got != "say hi" || res.Output != "out" {
		t.Errorf("task = %q, result = %+v", got, res)
	}
}

func TestTaskRunnerFuncReturnsError(t *testing.T) {
	want := errors.New("nope")
	f := TaskRunnerFunc(func(context.Context, string) (*RunResult, error) { return nil, want })
	if _, err := f.RunTask(context.Background(), ""); !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
}

type mockReader struct{}

func (mockReader) ReadFile(context.Context, string) (string, error) { return "", nil }
func (mockReader) GetRun(context.Context, string) (*api.RunRecord, error) {
	return nil, nil
}
func (mockReader) ListRuns(context.Context, history.ListOptions) (*api.RunList, error) {
	return nil, nil
}

func TestInterfaceSatisfaction(t *testing.T) {
	var _ FileReader = mockReader{}
	var _ RunReader = mockReader{}
	var _ TaskRunner = TaskRunnerFunc(nil)
}
