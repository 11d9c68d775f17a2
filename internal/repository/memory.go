package repository

import (
	"context"
	"errors"
	"sync"

	"socratic-tutor/internal/domain"
)

// MemoryStore is a process-local SessionRepository. Sessions are cloned on
// the way in and out so callers never share state with the map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.Session)}
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID].Clone(), nil
}

func (m *MemoryStore) PutSession(_ context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("repository: PutSession: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
