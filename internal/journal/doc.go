// Package journal persists received notification frames to PostgreSQL.
//
// The Writer taps the Connection Manager (OnFrame), buffers frames in a
// bounded queue and inserts them in batches with pgx.Batch. The journal is
// append-only; rows are never updated.
package journal
