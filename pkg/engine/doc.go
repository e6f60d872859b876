// Package engine orchestrates a task run: it asks the completion service
// for a program, hands the program to the executor, records the run in
// history and returns the output. Engine implements transport.TaskRunner,
// transport.FileReader and transport.RunReader.
//
// History is optional; without a store runs are not recorded and the
// history operations fail with an invalid request error.
package engine
