// Package database provides connection pool management for the PostgreSQL
// database backing the notification journal.
package database
