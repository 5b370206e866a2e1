// Package archive persists conversation transcripts to PostgreSQL for
// long-term history, beyond the TTL of the session cache.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageRecord represents an archived chat message.
type MessageRecord struct {
	ID        uuid.UUID
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store writes transcripts to PostgreSQL. A nil Store is a no-op, so callers
// don't need to branch on whether archiving is configured.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store. Returns nil when db is nil.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// SaveMessage archives one message of a conversation.
func (s *Store) SaveMessage(ctx context.Context, sessionID, role, content string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if sessionID == "" || content == "" {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), sessionID, role, content)
	if err != nil {
		return fmt.Errorf("archive: failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent archived messages for a session,
// oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: failed to scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: failed to read messages: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
