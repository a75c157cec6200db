// Package writer journals position changes to PostgreSQL.
//
// PositionWriter buffers events in memory and inserts them in batches with
// pgx.Batch. The journal is append-only: rows are never updated and never
// read back by the client.
package writer
