// Package chatdb provides read-only access to the macOS Messages database
// (chat.db). It exposes conversations, messages, and basic statistics; all
// queries filter out records with empty text so downstream components only
// ever see renderable messages.
package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/chatrecall/pkg/types"
)

// ErrSourceUnavailable indicates the message database is missing or unreadable.
var ErrSourceUnavailable = errors.New("message database unavailable")

// appleEpoch is the Cocoa reference date. chat.db timestamps are nanoseconds
// since this instant.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Source is a read-only handle on a chat.db file.
type Source struct {
	db   *sql.DB
	path string
}

// Open opens the database at path in read-only mode.
// Returns ErrSourceUnavailable (wrapped) when the file does not exist or
// cannot be opened.
func Open(path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrSourceUnavailable, path, err)
	}

	// A single connection is plenty for a read-only, single-process source.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping %s: %v", ErrSourceUnavailable, path, err)
	}

	return &Source{db: db, path: path}, nil
}

// Path returns the database file path this source reads from.
func (s *Source) Path() string {
	return s.path
}

// Close releases the underlying database connection.
func (s *Source) Close() error {
	return s.db.Close()
}

// Conversations returns all chat threads with their participant handles,
// ordered by ROWID.
func (s *Source) Conversations(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ROWID, guid, style, room_name, display_name
		FROM chat
		ORDER BY ROWID
	`)
	if err != nil {
		return nil, fmt.Errorf("chatdb: failed to query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []types.Conversation
	for rows.Next() {
		var (
			id          int64
			guid        string
			style       sql.NullInt64
			roomName    sql.NullString
			displayName sql.NullString
		)
		if err := rows.Scan(&id, &guid, &style, &roomName, &displayName); err != nil {
			return nil, fmt.Errorf("chatdb: scan chat row: %w", err)
		}

		conversations = append(conversations, types.Conversation{
			ID:          id,
			GUID:        guid,
			Style:       types.StyleFromCode(int(style.Int64)),
			DisplayName: displayName.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatdb: chat rows: %w", err)
	}

	// Attach participants per conversation.
	for i := range conversations {
		participants, err := s.participants(ctx, conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].Participants = participants
	}

	return conversations, nil
}

// participants returns the handle identifiers joined to a chat.
func (s *Source) participants(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id
		FROM chat_handle_join chj
		JOIN handle h ON chj.handle_id = h.ROWID
		WHERE chj.chat_id = ?
		ORDER BY h.ROWID
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatdb: failed to query participants for chat %d: %w", chatID, err)
	}
	defer func() { _ = rows.Close() }()

	var participants []string
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, fmt.Errorf("chatdb: scan participant row: %w", err)
		}
		participants = append(participants, handle)
	}
	return participants, rows.Err()
}

const messageColumns = `
	m.ROWID,
	m.text,
	m.date,
	m.is_from_me,
	m.guid,
	m.service,
	cmj.chat_id,
	h.id
`

// Messages returns messages ordered by timestamp ascending, optionally
// restricted to a single conversation (conversationID > 0) and capped at
// limit (limit > 0). Records with empty text are excluded.
func (s *Source) Messages(ctx context.Context, conversationID int64, limit int) ([]types.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.text IS NOT NULL AND m.text != ''
	`

	var args []interface{}
	if conversationID > 0 {
		query += " AND cmj.chat_id = ?"
		args = append(args, conversationID)
	}

	query += " ORDER BY m.date ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryMessages(ctx, query, args...)
}

// RecentMessages returns messages from the last `days` days, newest first,
// capped at limit.
func (s *Source) RecentMessages(ctx context.Context, days, limit int) ([]types.Message, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	query := `
		SELECT ` + messageColumns + `
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.date > ? AND m.text IS NOT NULL AND m.text != ''
		ORDER BY m.date DESC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, toCocoa(cutoff), limit)
}

// queryMessages runs a message query and scans rows into types.Message.
// The SELECT column order must match messageColumns.
func (s *Source) queryMessages(ctx context.Context, query string, args ...interface{}) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chatdb: failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []types.Message
	for rows.Next() {
		var (
			msg      types.Message
			text     sql.NullString
			date     int64
			fromMe   sql.NullInt64
			service  sql.NullString
			senderID sql.NullString
		)
		if err := rows.Scan(&msg.ID, &text, &date, &fromMe, &msg.GUID, &service, &msg.ConversationID, &senderID); err != nil {
			return nil, fmt.Errorf("chatdb: scan message row: %w", err)
		}

		msg.Text = text.String
		msg.Date = fromCocoa(date)
		msg.FromMe = fromMe.Int64 == 1
		msg.SenderID = senderID.String
		msg.Service = service.String
		if msg.Service == "" {
			msg.Service = "iMessage"
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatdb: message rows: %w", err)
	}

	return messages, nil
}

// Statistics returns basic counts over the source database.
func (s *Source) Statistics(ctx context.Context) (types.SourceStats, error) {
	var stats types.SourceStats

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM message WHERE text IS NOT NULL AND text != ''", &stats.TotalMessages},
		{"SELECT COUNT(*) FROM chat", &stats.TotalConversations},
		{"SELECT COUNT(*) FROM handle", &stats.TotalHandles},
		{"SELECT COUNT(*) FROM message WHERE is_from_me = 1 AND text IS NOT NULL AND text != ''", &stats.MessagesFromMe},
		{"SELECT COUNT(*) FROM message WHERE is_from_me = 0 AND text IS NOT NULL AND text != ''", &stats.MessagesFromOthers},
	}

	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return types.SourceStats{}, fmt.Errorf("chatdb: failed to gather statistics: %w", err)
		}
	}

	return stats, nil
}

// fromCocoa converts an Apple Cocoa timestamp (nanoseconds since 2001-01-01
// UTC) to a time.Time. Zero timestamps map to the Unix epoch.
func fromCocoa(ns int64) time.Time {
	if ns == 0 {
		return time.Unix(0, 0).UTC()
	}
	return appleEpoch.Add(time.Duration(ns)).Local()
}

// toCocoa converts a time.Time to a Cocoa nanosecond timestamp.
func toCocoa(t time.Time) int64 {
	return int64(t.Sub(appleEpoch))
}
