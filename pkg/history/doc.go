// Package history defines the run history store and the helpers shared by
// its adapters: sentinel errors, list options and tenant scoping.
//
// Adapters live in the memory and postgres subpackages. Recording is best
// effort: a run never fails because its history entry could not be saved.
package history
