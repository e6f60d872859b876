// Package executor runs generated programs.
//
// An [Executor] screens the program with the safety filter, applies the
// dependency policy, writes the program to a per-run scratch file and hands
// it to a [Runner]. Three runners are provided:
//
//   - [LocalRunner] spawns the interpreter as a subprocess in its own
//     process group on the service host.
//   - [ContainerRunner] runs each program in a fresh Docker container with
//     the allowed root bind-mounted and optional network isolation.
//   - [SandboxRunner] posts the program to a remote sandbox server obtained
//     from a [SandboxAcquirer] (a fixed URL, or a Kubernetes SandboxClaim
//     via the kubernetes subpackage).
//
// Every runner enforces the wall-clock timeout carried by the [Job] and
// stops the program when the caller's context is cancelled.
package executor
