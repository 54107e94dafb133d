// Package postgres manages PostgreSQL connections and the embedded schema.
//
// Migrate is safe to call from every process at startup; an advisory lock
// serializes concurrent runs.
package postgres
