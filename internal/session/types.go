package session

import "time"

// CreateRequest defines payload for creating a new chat session.
type CreateRequest struct {
	UserID          string `json:"user_id"`
	AvatarCharacter string `json:"avatar_character"`
	AvatarStyle     string `json:"avatar_style"`
	Voice           string `json:"voice"`
	SystemPrompt    string `json:"system_prompt"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	AvatarCharacter string    `json:"avatar_character"`
	AvatarStyle     string    `json:"avatar_style"`
	Voice           string    `json:"voice"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// NewCreateResponse describes s for the create endpoint.
func NewCreateResponse(s *Session, ttl time.Duration) CreateResponse {
	return CreateResponse{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Status:          s.Status,
		AvatarCharacter: s.AvatarCharacter,
		AvatarStyle:     s.AvatarStyle,
		Voice:           s.Voice,
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: ttl.Milliseconds(),
	}
}
