// Package api defines the wire types and error model shared by the taskrun
// service.
//
// The package performs no I/O. It carries the structured completion result
// returned by the language model, the outcome of executing generated code,
// the run history record and the typed errors every layer returns.
//
// Core types:
//   - [CompletionResult]: generated code plus its declared dependencies
//   - [ExecutionOutcome]: exit code and captured output of one run
//   - [RunResponse]: success body of the run route
//   - [RunRecord]: a persisted history entry
//   - [APIError]: structured error with type, code, param, and message
//
// Error types map one to one onto HTTP statuses in the transport layer.
// Authorization failures (paths outside the allowed root, forbidden code)
// use [ErrorTypeForbidden]. Failures of the completion service are split
// into upstream, malformed response and schema violation. Execution and
// dependency installation failures are reported separately.
package api
