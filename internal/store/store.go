// Package store defines the chat persistence interface and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// newMessageID generates the primary key for a persisted message.
func newMessageID() string { return uuid.New().String() }

// Store is the persistence interface consumed by the chat transport and the
// HTTP API. The WebSocket layer only ever sees this interface.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Chat sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	EndSession(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string) error

	// Messages
	AddMessage(ctx context.Context, sessionID, userID, role, content string) (*Message, error)
	GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)
	CountMessages(ctx context.Context, sessionID string) (int64, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a registered account for the builtin auth provider.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is one travel-planning conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	State     string    `json:"state"` // "active" or "ended"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted chat message. Seq is assigned atomically per
// session at insert time and is strictly increasing.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
