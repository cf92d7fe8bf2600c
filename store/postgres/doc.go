// Package postgres is a PostgreSQL implementation of store.Store backed by
// pgx/v5. Directed messages are claimed with FOR UPDATE SKIP LOCKED so a
// message is delivered to exactly one receiver even across processes.
package postgres
