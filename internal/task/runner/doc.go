// Package runner drives one invocation of the task queue: run maintenance,
// then claim and execute tasks until the queue is drained or the time budget
// is spent.
//
// Every task failure ends in a persisted state on the task row; Run only
// returns an error when the store itself fails.
package runner
