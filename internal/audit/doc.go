// Package audit persists the decision trail of every orchestration. Records
// are append-only, grouped by trace identifier and chained with Keccak-256 so
// that a trace can be verified end to end. Storage is pluggable: an in-memory
// store for tests, a JSON-lines flat file, and SQL stores for MySQL or SQLite.
package audit
