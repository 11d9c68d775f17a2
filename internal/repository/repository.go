// Package repository persists tutoring sessions in a key-value shape:
// one record per session id, carrying the problem, the bounded message
// tail and the expiry timestamps.
package repository

import (
	"context"

	"socratic-tutor/internal/domain"
)

// SessionRepository is the storage contract consumed by the conversation store.
// GetSession returns (nil, nil) when no record exists. Backends do not
// interpret expiry; the caller enforces TTL lazily on read.
type SessionRepository interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	PutSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
}
