// Package store persists a transcript ledger of relayed messages in SQLite.
//
// The ledger is an audit trail, not conversation state: the relay's working
// history is in-memory only, and the dispatcher writes here best-effort with
// its own timeout so a slow disk never delays or fails a reply. The ledger is
// optional and disabled entirely when no database path is configured.
package store
