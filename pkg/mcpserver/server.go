// Package mcpserver exposes task runs and file reads as Model Context
// Protocol tools, so agents can drive the service over MCP instead of the
// REST routes.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/transport"
)

const (
	name    = "taskrun"
	version = "v1.0.0"
)

// Server is an MCP server backed by a TaskRunner and a FileReader.
type Server struct {
	mcp    *mcp.Server
	runner transport.TaskRunner
	files  transport.FileReader
	logger *slog.Logger
}

// RunTaskInput is the argument of the run_task tool.
type RunTaskInput struct {
	Task string `json:"task" jsonschema:"plain-language description of the task to perform"`
}

// RunTaskOutput is the structured result of run_task.
type RunTaskOutput struct {
	RunID  string `json:"run_id"`
	Output string `json:"output"`
}

// ReadFileInput is the argument of the read_file tool.
type ReadFileInput struct {
	Path string `json:"path" jsonschema:"absolute path of a file below the data directory"`
}

// New creates a server with the run_task and read_file tools.
func New(runner transport.TaskRunner, files transport.FileReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:    mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		runner: runner,
		files:  files,
		logger: logger,
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_task",
		Description: "Generates a Python program for the task, runs it and returns its standard output",
	}, s.runTask)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "read_file",
		Description: "Returns the contents of a file below the data directory",
	}, s.readFile)

	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Handler serves the tools over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

func (s *Server) runTask(ctx context.Context, _ *mcp.CallToolRequest, in RunTaskInput) (*mcp.CallToolResult, RunTaskOutput, error) {
	res, err := s.runner.RunTask(ctx, in.Task)
	if err != nil {
		return s.toolError("run_task", err), RunTaskOutput{}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: res.Output}},
	}, RunTaskOutput{RunID: res.RunID, Output: res.Output}, nil
}

func (s *Server) readFile(ctx context.Context, _ *mcp.CallToolRequest, in ReadFileInput) (*mcp.CallToolResult, struct{}, error) {
	content, err := s.files.ReadFile(ctx, in.Path)
	if err != nil {
		return s.toolError("read_file", err), struct{}{}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: content}},
	}, struct{}{}, nil
}

// toolError reports err to the caller as a failed tool call rather than
// a protocol error.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	apiErr := api.AsAPIError(err)
	s.logger.Warn("mcp tool failed", "tool", tool, "error_type", string(apiErr.Type), "error", apiErr.Message)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(apiErr.Type) + ": " + apiErr.Message}},
	}
}
