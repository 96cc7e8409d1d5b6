// Package trigger fires runner invocations and maintenance passes on timer
// schedules. It only triggers; claiming and execution happen in the runner.
package trigger
