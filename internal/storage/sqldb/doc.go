// Package sqldb opens database/sql handles for the supported dialects (MySQL
// and embedded SQLite) and applies the embedded schema migrations shared by
// the audit trail and the job store.
package sqldb
