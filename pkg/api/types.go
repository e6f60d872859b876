package api

import "time"

// SuccessMessage is the fixed message of a successful run.
const SuccessMessage = "Task executed successfully"

// Dependency is one module the generated code declares it needs.
type Dependency struct {
	Module string `json:"module"`
}

// CompletionResult is the structured content returned by the completion
// service for a task.
type CompletionResult struct {
	Code         string       `json:"code"`
	Dependencies []Dependency `json:"dependencies"`
}

// Modules returns the declared module names in order, skipping blanks.
func (r *CompletionResult) Modules() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Dependencies))
	for _, d := range r.Dependencies {
		if d.Module != "" {
			out = append(out, d.Module)
		}
	}
	return out
}

// ExecutionOutcome is the result of running one scratch file.
type ExecutionOutcome struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"-"`
}

// RunResponse is the body returned by a successful run.
type RunResponse struct {
	Message string `json:"message"`
	Output  string `json:"output"`
}

// RunStatus is the terminal state of a recorded run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected"
)

// RunRecord is the history entry kept for every run.
type RunRecord struct {
	ID           string    `json:"id"`
	Object       string    `json:"object"`
	Task         string    `json:"task"`
	Status       RunStatus `json:"status"`
	Code         string    `json:"code,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Output       string    `json:"output,omitempty"`
	ExitCode     int       `json:"exit_code"`
	ErrorType    ErrorType `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Backend      string    `json:"backend,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Subject      string    `json:"subject,omitempty"`
	CreatedAt    int64     `json:"created_at"`
}

// RunList is a page of run records.
type RunList struct {
	Object  string      `json:"object"`
	Data    []RunRecord `json:"data"`
	FirstID string      `json:"first_id,omitempty"`
	LastID  string      `json:"last_id,omitempty"`
	HasMore bool        `json:"has_more"`
}

// StatusForError classifies a run error into a RunStatus. Forbidden code
// and policy rejections count as rejected.
func StatusForError(err error) RunStatus {
	if err == nil {
		return RunStatusSucceeded
	}
	if IsType(err, ErrorTypeForbidden) {
		return RunStatusRejected
	}
	return RunStatusFailed
}
