// ABOUTME: database/sql implementation of the Store interface shared by SQLite and PostgreSQL
// ABOUTME: Provides conversation/message persistence with ownership checks and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	clockMu sync.Mutex
	clock   func() time.Time
	last    time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects to the given driver ("sqlite" or "postgres") and prepares the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.name == DriverSQLite {
		return NewSQLiteStore(dsn)
	}
	return NewPostgresStore(dsn)
}

// newSQLStore wraps an open handle, applies pragmas, schema and migrations.
func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  slog.Default().With("component", "store", "driver", d.name),
		clock:   time.Now,
	}

	if err := d.setup(db); err != nil {
		return nil, err
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source; intended for tests.
func (s *SQLStore) SetClock(clock func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.clock = clock
	s.last = time.Time{}
}

// now returns a strictly increasing UTC timestamp so updated_at ordering is total.
func (s *SQLStore) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.clock().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// Driver returns the dialect name of the backing database.
func (s *SQLStore) Driver() string {
	return s.dialect.name
}

func (s *SQLStore) createSchema() error {
	// Some drivers refuse multi-statement Exec, so run one statement at a time.
	for _, stmt := range strings.Split(s.dialect.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations adds columns introduced after the first schema version.
func (s *SQLStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "content_id",
			apply:  `ALTER TABLE messages ADD COLUMN content_id TEXT`,
		},
		{
			table:  "messages",
			column: "feedback",
			apply:  `ALTER TABLE messages ADD COLUMN feedback TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(s.dialect.columnExists(m.table, m.column)).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging database", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *SQLStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lookupOwner returns the owner of a conversation or ErrNotFound.
func (s *SQLStore) lookupOwner(ctx context.Context, q queryer, conversationID string) (string, error) {
	var owner string
	err := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT owner_id FROM conversations WHERE conversation_id = ?`),
		conversationID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("querying conversation owner", err)
	}
	return owner, nil
}

// EnsureConversation creates the conversation if needed and verifies ownership otherwise.
func (s *SQLStore) EnsureConversation(ctx context.Context, ownerID, conversationID, title string) (string, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	} else {
		owner, err := s.lookupOwner(ctx, s.db, conversationID)
		switch {
		case err == nil:
			if !canAccess(owner, ownerID) {
				return "", ErrForbidden
			}
			return conversationID, nil
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}

	now := s.now().Format(timeLayout)
	_, err := s.exec(ctx, s.db, `
		INSERT INTO conversations (conversation_id, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, ownerID, title, now, now)
	if err != nil {
		if isConstraintViolation(err) {
			// Lost a creation race; re-run the ownership check against the winner.
			owner, lerr := s.lookupOwner(ctx, s.db, conversationID)
			if lerr != nil {
				return "", lerr
			}
			if !canAccess(owner, ownerID) {
				return "", ErrForbidden
			}
			return conversationID, nil
		}
		return "", unavailable("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conversationID, "owner", ownerID)
	return conversationID, nil
}

// GetConversation returns a conversation accessible to ownerID.
func (s *SQLStore) GetConversation(ctx context.Context, ownerID, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT conversation_id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE conversation_id = ?
	`), conversationID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying conversation", err)
	}
	if !canAccess(conv.OwnerID, ownerID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// AppendMessage inserts a message and bumps the conversation's updated_at in one transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, ownerID, conversationID string, msg *Message) error {
	if conversationID == "" || msg == nil || msg.Role == "" {
		return fmt.Errorf("%w: conversation id and message role are required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	owner, err := s.lookupOwner(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	if !canAccess(owner, ownerID) {
		return ErrForbidden
	}

	now := s.now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Citations == nil {
		msg.Citations = []string{}
	}
	citations, err := json.Marshal(msg.Citations)
	if err != nil {
		return fmt.Errorf("encoding citations: %w", err)
	}
	msg.ConversationID = conversationID
	msg.OwnerID = ownerID
	msg.CreatedAt = now
	msg.UpdatedAt = now

	ts := now.Format(timeLayout)
	if _, err := s.exec(ctx, tx, `
		INSERT INTO messages (id, owner_id, conversation_id, role, content_id, content, citations, feedback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, ownerID, conversationID, msg.Role, nullString(msg.ContentID), msg.Content,
		string(citations), nullString(msg.Feedback), ts, ts); err != nil {
		return unavailable("inserting message", err)
	}

	if _, err := s.exec(ctx, tx,
		`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`,
		ts, conversationID); err != nil {
		return unavailable("touching conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing message", err)
	}
	return nil
}

// ListConversations returns one page of conversations ordered by updated_at.
func (s *SQLStore) ListConversations(ctx context.Context, ownerID string, offset, limit int, order Order) ([]*Conversation, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0 and limit > 0", ErrInvalidInput)
	}
	dir, err := ParseOrder(string(order), OrderDesc)
	if err != nil {
		return nil, err
	}

	query := `SELECT conversation_id, owner_id, title, created_at, updated_at FROM conversations`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at %s, conversation_id %s LIMIT ? OFFSET ?`, dir, dir)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("querying conversations", err)
	}
	defer rows.Close()

	convs := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, unavailable("scanning conversation row", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating conversation rows", err)
	}
	return convs, nil
}

// ReadMessages returns all messages of a conversation visible to ownerID.
func (s *SQLStore) ReadMessages(ctx context.Context, ownerID, conversationID string, order Order) ([]*Message, error) {
	if conversationID == "" {
		return []*Message{}, nil
	}
	dir, err := ParseOrder(string(order), OrderAsc)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT m.id, m.owner_id, m.conversation_id, m.role, m.content_id, m.content,
		       m.citations, m.feedback, m.created_at, m.updated_at
		FROM messages m
		JOIN conversations c ON c.conversation_id = m.conversation_id
		WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if ownerID != "" {
		query += ` AND (c.owner_id = '' OR c.owner_id = ?)`
		args = append(args, ownerID)
	}
	query += fmt.Sprintf(` ORDER BY m.updated_at %s, m.id %s`, dir, dir)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var (
			m                    Message
			contentID, feedback  sql.NullString
			citations            string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.ConversationID, &m.Role, &contentID, &m.Content,
			&citations, &feedback, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("scanning message row", err)
		}
		m.ContentID = contentID.String
		m.Feedback = feedback.String
		m.Citations = decodeCitations(citations)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing message updated_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating message rows", err)
	}
	return msgs, nil
}

// DeleteConversation removes messages first, then the conversation row.
// The two deletes are deliberately separate statements.
func (s *SQLStore) DeleteConversation(ctx context.Context, ownerID, conversationID string) (DeleteResult, error) {
	owner, err := s.lookupOwner(ctx, s.db, conversationID)
	if errors.Is(err, ErrNotFound) {
		return DeleteNotFound, nil
	}
	if err != nil {
		return DeleteNotFound, err
	}
	if !canAccess(owner, ownerID) {
		return DeleteForbidden, nil
	}

	if _, err := s.exec(ctx, s.db, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return DeleteNotFound, unavailable("deleting messages", err)
	}
	if _, err := s.exec(ctx, s.db, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
		return DeleteNotFound, unavailable("deleting conversation", err)
	}

	s.logger.Info("deleted conversation", "conversation_id", conversationID)
	return Deleted, nil
}

// DeleteAll removes an owner's conversations, or every conversation when ownerID is empty.
func (s *SQLStore) DeleteAll(ctx context.Context, ownerID string) (int, error) {
	var (
		msgQuery  = `DELETE FROM messages`
		convQuery = `DELETE FROM conversations`
		args      []any
	)
	if ownerID != "" {
		msgQuery += ` WHERE conversation_id IN (SELECT conversation_id FROM conversations WHERE owner_id = ?)`
		convQuery += ` WHERE owner_id = ?`
		args = []any{ownerID}
	}

	if _, err := s.exec(ctx, s.db, msgQuery, args...); err != nil {
		return 0, unavailable("deleting messages", err)
	}
	res, err := s.exec(ctx, s.db, convQuery, args...)
	if err != nil {
		return 0, unavailable("deleting conversations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("counting deleted conversations", err)
	}

	s.logger.Info("deleted conversations", "owner", ownerID, "count", n)
	return int(n), nil
}

// RenameConversation updates the title following the delete existence/ownership protocol.
func (s *SQLStore) RenameConversation(ctx context.Context, ownerID, conversationID, title string) (RenameResult, error) {
	owner, err := s.lookupOwner(ctx, s.db, conversationID)
	if errors.Is(err, ErrNotFound) {
		return RenameNotFound, nil
	}
	if err != nil {
		return RenameNotFound, err
	}
	if !canAccess(owner, ownerID) {
		return RenameForbidden, nil
	}

	res, err := s.exec(ctx, s.db,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`,
		title, s.now().Format(timeLayout), conversationID)
	if err != nil {
		return RenameNotFound, unavailable("renaming conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RenameNotFound, unavailable("counting renamed conversations", err)
	}
	if n == 0 {
		// Deleted after the owner lookup.
		return RenameNotFound, nil
	}
	return Renamed, nil
}

// SetFeedback stores feedback on the message whose id or content id matches messageID.
func (s *SQLStore) SetFeedback(ctx context.Context, ownerID, messageID, feedback string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	query := `
		UPDATE messages SET feedback = ?
		WHERE (id = ? OR content_id = ?)
		  AND conversation_id IN (SELECT conversation_id FROM conversations WHERE owner_id = '' OR owner_id = ?)`
	res, err := s.exec(ctx, s.db, query, feedback, messageID, messageID, ownerID)
	if err != nil {
		return unavailable("updating feedback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("counting updated messages", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	if err := r.Scan(&c.ID, &c.OwnerID, &c.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// decodeCitations tolerates legacy rows with empty or malformed citation JSON.
func decodeCitations(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// isConstraintViolation checks for a unique/primary key violation from either backend
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed") ||
		strings.Contains(errStr, "duplicate key value") ||
		strings.Contains(errStr, "SQLSTATE 23505")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
