// Package database provides PostgreSQL connectivity and the access-token repository
// behind the postgres auth backend.
//
// Uses pgx for connection pooling and tern for embedded, advisory-locked migrations.
package database
