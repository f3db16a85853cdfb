// Package database provides the PostgreSQL connection pool used by the
// lifecycle journal, and the journal's schema.
package database
