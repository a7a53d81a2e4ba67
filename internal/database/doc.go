// Package database implements the Postgres-backed repositories: the
// append-only transaction ledger and the sync operation log.
package database
