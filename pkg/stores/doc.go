// Package stores persists the client's local state in SQLite: a ledger of
// launched engine sessions and the index of cached engine binaries. The
// schema is managed with embedded migrations.
package stores
