package memory

import (
	"context"
	"time"
)

// Entry is one committed conversation turn in a session transcript.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	TurnID      string    `json:"turn_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	HasImage    bool      `json:"has_image"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists session transcripts.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	// Transcript returns a session's entries in chronological order.
	Transcript(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
