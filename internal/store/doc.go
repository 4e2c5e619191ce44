// Package store provides durable storage for conversations and their messages.
//
// # Architecture
//
// Store is the single interface consumed by the rest of the gateway. Two
// implementations exist:
//
//   - SQLStore: database/sql backed, with a SQLite dialect (modernc.org/sqlite)
//     and a PostgreSQL dialect (pgx stdlib driver)
//   - MockStore: an in-memory map guarded by one lock, for tests and for
//     running without persistence
//
// # Ownership
//
// A conversation's owner is fixed at creation. An empty owner marks a shared
// conversation that any caller may use. A non-empty owner may only be read,
// renamed, deleted or appended to by that same owner; other callers get
// ErrForbidden or a Forbidden tri-state result.
//
// An empty caller owner disables filtering for ListConversations, ReadMessages
// and DeleteAll. This is the administrative mode; the HTTP layer gates it.
//
// # Ordering
//
// Both conversations and messages are ordered by updated_at. Timestamps are
// stored as fixed-width UTC strings and each store hands out strictly
// increasing timestamps, so ordering is total even within one clock tick.
//
// # Error Handling
//
//   - ErrNotFound: conversation or message does not exist
//   - ErrForbidden: ownership mismatch
//   - ErrUnavailable: any database failure (wrapped with the driver error)
//   - ErrInvalidInput: missing ids, bad sort direction, bad window
//
// # Schema
//
//	conversations(conversation_id PK, owner_id, title, created_at, updated_at)
//	messages(id PK, owner_id, conversation_id, role, content_id, content,
//	         citations JSON, feedback, created_at, updated_at)
//
// Schema creation is idempotent and runs on every start, followed by column
// migrations that check for existing columns before altering tables.
package store
