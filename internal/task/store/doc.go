// Package store persists tasks in a relational table.
//
// It supports SQLite (modernc, pure Go) and PostgreSQL (pgx stdlib driver).
// ClaimNext is the only operation that coordinates workers: the running
// count check, the eligible row select and the running=1 update share one
// transaction, so the database lock is the sole synchronization point
// between processes.
//
// Within one process the store keeps an identity cache so every load of an
// id returns the same *task.Task.
package store
