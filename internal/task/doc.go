// Package task defines the queued task record and the action registry.
//
// A Task is an active record: it tracks which persisted columns changed since
// it was loaded and writes through a bound Persister (normally *store.Store).
// The registry maps action names to handlers; a missing registration is a
// normal lookup result, not an error.
package task
