// Package database builds the PostgreSQL connection pool used by the
// position journal.
package database
