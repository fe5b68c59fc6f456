// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Append-only event log per conversation with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			mode          TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,

			CHECK (mode IN ('free_form', 'structured'))
		);

		CREATE TABLE IF NOT EXISTS memberships (
			conversation_id TEXT NOT NULL,
			participant_id  TEXT NOT NULL,
			role            TEXT NOT NULL,
			display_name    TEXT NOT NULL,
			joined_at_ms    INTEGER NOT NULL,
			left_at_ms      INTEGER,

			PRIMARY KEY (conversation_id, participant_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('human', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_memberships_participant
			ON memberships(participant_id);

		CREATE TABLE IF NOT EXISTS events (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp_ms    INTEGER NOT NULL,
			pii_categories  TEXT,
			redacted        INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (kind IN ('message', 'join', 'leave', 'system'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation persists the conversation and its creator membership in
// one transaction, so a conversation never exists without a member.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, creator *Membership) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, mode, created_at_ms) VALUES (?, ?, ?)`,
		conv.ID, string(conv.Mode), conv.CreatedAtMS,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memberships (conversation_id, participant_id, role, display_name, joined_at_ms, left_at_ms)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		conv.ID, creator.ParticipantID, string(creator.Role), creator.DisplayName, creator.JoinedAtMS,
	)
	if err != nil {
		return fmt.Errorf("inserting creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"mode", conv.Mode,
		"creator", creator.ParticipantID,
	)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	var mode string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, created_at_ms FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &mode, &conv.CreatedAtMS)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Mode = ConversationMode(mode)
	return conv, nil
}

// AddMember activates a membership, reactivating a departed record if one exists.
func (s *SQLiteStore) AddMember(ctx context.Context, m *Membership) error {
	if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
		return err
	}

	var leftAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT left_at_ms FROM memberships WHERE conversation_id = ? AND participant_id = ?`,
		m.ConversationID, m.ParticipantID,
	).Scan(&leftAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO memberships (conversation_id, participant_id, role, display_name, joined_at_ms, left_at_ms)
			 VALUES (?, ?, ?, ?, ?, NULL)`,
			m.ConversationID, m.ParticipantID, string(m.Role), m.DisplayName, m.JoinedAtMS,
		)
		if err != nil {
			return fmt.Errorf("inserting membership: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("querying membership: %w", err)

	case !leftAt.Valid:
		return ErrAlreadyMember

	default:
		// Departed member rejoining: reactivate the existing record.
		_, err = s.db.ExecContext(ctx,
			`UPDATE memberships
			 SET role = ?, display_name = ?, joined_at_ms = ?, left_at_ms = NULL
			 WHERE conversation_id = ? AND participant_id = ?`,
			string(m.Role), m.DisplayName, m.JoinedAtMS, m.ConversationID, m.ParticipantID,
		)
		if err != nil {
			return fmt.Errorf("reactivating membership: %w", err)
		}
		return nil
	}
}

// RemoveMember marks the membership as departed.
func (s *SQLiteStore) RemoveMember(ctx context.Context, conversationID, participantID string, leftAtMS int64) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET left_at_ms = ?
		 WHERE conversation_id = ? AND participant_id = ? AND left_at_ms IS NULL`,
		leftAtMS, conversationID, participantID,
	)
	if err != nil {
		return fmt.Errorf("updating membership: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

// ListMembers returns all membership records for a conversation, including
// departed ones, ordered by join time.
func (s *SQLiteStore) ListMembers(ctx context.Context, conversationID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, participant_id, role, display_name, joined_at_ms, left_at_ms
		 FROM memberships WHERE conversation_id = ? ORDER BY joined_at_ms ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m := &Membership{}
		var role string
		var leftAt sql.NullInt64
		if err := rows.Scan(&m.ConversationID, &m.ParticipantID, &role, &m.DisplayName, &m.JoinedAtMS, &leftAt); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		m.Role = Role(role)
		if leftAt.Valid {
			v := leftAt.Int64
			m.LeftAtMS = &v
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating membership rows: %w", err)
	}
	return members, nil
}

// IsMember reports whether the participant has an active membership.
func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, participantID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memberships
		 WHERE conversation_id = ? AND participant_id = ? AND left_at_ms IS NULL`,
		conversationID, participantID,
	).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	return true, nil
}

// ListConversationsForUser returns summaries of all conversations the user
// has an active membership in, deduplicated by conversation id.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.mode, c.created_at_ms,
		        COALESCE((SELECT MAX(seq) FROM events e WHERE e.conversation_id = c.id), 0)
		 FROM conversations c
		 JOIN memberships m ON m.conversation_id = c.id
		 WHERE m.participant_id = ? AND m.left_at_ms IS NULL
		 ORDER BY c.created_at_ms ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		sum := &ConversationSummary{}
		var mode string
		if err := rows.Scan(&sum.ID, &mode, &sum.CreatedAtMS, &sum.LastSequence); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		sum.Mode = ConversationMode(mode)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return summaries, nil
}

// AppendEvent durably persists an event. The (conversation_id, seq) primary
// key rejects duplicate sequence numbers.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	var categories *string
	if len(event.PIICategories) > 0 {
		data, err := json.Marshal(event.PIICategories)
		if err != nil {
			return fmt.Errorf("encoding pii categories: %w", err)
		}
		str := string(data)
		categories = &str
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (conversation_id, seq, sender_id, kind, content, timestamp_ms, pii_categories, redacted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ConversationID, event.Seq, event.SenderID, string(event.Kind),
		event.Content, event.TimestampMS, categories, boolToInt(event.Redacted),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSequence
		}
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("event appended",
		"conversation_id", event.ConversationID,
		"seq", event.Seq,
		"kind", event.Kind,
	)
	return nil
}

// ListEventsSince returns events with seq > afterSeq in ascending order.
func (s *SQLiteStore) ListEventsSince(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]*Event, error) {
	query := `
		SELECT conversation_id, seq, sender_id, kind, content, timestamp_ms, pii_categories, redacted
		FROM events
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
	`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

// LastSequence returns the highest persisted sequence number, 0 if none.
func (s *SQLiteStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	return seq, nil
}

// RedactEvent replaces stored content with the marker and sets the redacted
// flag. Redacting twice leaves the row unchanged.
func (s *SQLiteStore) RedactEvent(ctx context.Context, conversationID string, seq uint64, marker string) error {
	var redacted int
	err := s.db.QueryRowContext(ctx,
		`SELECT redacted FROM events WHERE conversation_id = ? AND seq = ?`,
		conversationID, seq,
	).Scan(&redacted)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying event: %w", err)
	}
	if redacted != 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET content = ?, redacted = 1 WHERE conversation_id = ? AND seq = ?`,
		marker, conversationID, seq,
	)
	if err != nil {
		return fmt.Errorf("redacting event: %w", err)
	}

	s.logger.Debug("event redacted", "conversation_id", conversationID, "seq", seq)
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanEvent reads one event row from either a *sql.Row-like scanner.
func scanEvent(rows *sql.Rows) (*Event, error) {
	event := &Event{}
	var kind string
	var categories sql.NullString
	var redacted int

	if err := rows.Scan(
		&event.ConversationID,
		&event.Seq,
		&event.SenderID,
		&kind,
		&event.Content,
		&event.TimestampMS,
		&categories,
		&redacted,
	); err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	event.Kind = EventKind(kind)
	event.Redacted = redacted != 0
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &event.PIICategories); err != nil {
			return nil, fmt.Errorf("decoding pii categories: %w", err)
		}
	}
	return event, nil
}
