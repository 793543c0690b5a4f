package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/youruser/productivai/internal/suggest"
)

// StoredSuggestion is a suggestion together with where it came from.
type StoredSuggestion struct {
	suggest.Suggestion
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ActionedAt     *time.Time `json:"actioned_at,omitempty"`
}

// SaveSuggestions records the suggestions extracted from one assistant message.
// After this call the caller should treat the store as the owner.
func (db *DB) SaveSuggestions(ctx context.Context, conversationID, messageID string, items []suggest.Suggestion) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO suggestions (id, conversation_id, message_id, kind, payload, is_actioned, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, s := range items {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode suggestion %s: %w", s.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, s.ID, conversationID, messageID, string(s.Kind), string(payload), s.IsActioned, now); err != nil {
			return fmt.Errorf("save suggestion %s: %w", s.ID, err)
		}
	}

	return tx.Commit()
}

// GetSuggestion returns one stored suggestion.
func (db *DB) GetSuggestion(ctx context.Context, id string) (*StoredSuggestion, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT conversation_id, message_id, payload, is_actioned, created_at, actioned_at FROM suggestions WHERE id = ?", id)

	s, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSuggestions returns a conversation's suggestions in creation order.
// With pendingOnly, actioned suggestions are left out.
func (db *DB) ListSuggestions(ctx context.Context, conversationID string, pendingOnly bool) ([]*StoredSuggestion, error) {
	query := "SELECT conversation_id, message_id, payload, is_actioned, created_at, actioned_at FROM suggestions WHERE conversation_id = ?"
	if pendingOnly {
		query += " AND is_actioned = 0"
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := db.conn.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*StoredSuggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkActioned flips a suggestion's actioned flag. It succeeds exactly once
// per suggestion; later calls return ErrAlreadyActioned.
func (db *DB) MarkActioned(ctx context.Context, id string) (*StoredSuggestion, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE suggestions SET is_actioned = 1, actioned_at = ? WHERE id = ? AND is_actioned = 0",
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("mark actioned: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	s, err := db.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return s, fmt.Errorf("suggestion %s: %w", id, ErrAlreadyActioned)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row scanner) (*StoredSuggestion, error) {
	var (
		s          StoredSuggestion
		payload    string
		actioned   bool
		actionedAt sql.NullTime
	)
	if err := row.Scan(&s.ConversationID, &s.MessageID, &payload, &actioned, &s.CreatedAt, &actionedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &s.Suggestion); err != nil {
		return nil, fmt.Errorf("decode suggestion payload: %w", err)
	}
	s.IsActioned = actioned
	if actionedAt.Valid {
		t := actionedAt.Time
		s.ActionedAt = &t
	}
	return &s, nil
}
