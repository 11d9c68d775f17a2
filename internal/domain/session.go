package domain

import "time"

// Session is one student's working context: the active problem plus a
// bounded tail of the conversation.
type Session struct {
	ID             string
	Problem        *Problem
	Messages       []ChatMessage
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// NewSession starts an empty session at now.
func NewSession(id string, now time.Time, ttl time.Duration) *Session {
	s := &Session{ID: id, CreatedAt: now}
	s.Touch(now, ttl)
	return s
}

// Expired reports whether the TTL has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Touch refreshes the activity timestamps.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.LastActivityAt = now
	s.ExpiresAt = now.Add(ttl)
}

// Append adds msg and evicts the oldest entries beyond limit.
func (s *Session) Append(msg ChatMessage, limit int) {
	s.Messages = append(s.Messages, msg)
	if limit > 0 && len(s.Messages) > limit {
		s.Messages = append([]ChatMessage(nil), s.Messages[len(s.Messages)-limit:]...)
	}
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Problem != nil {
		p := *s.Problem
		out.Problem = &p
	}
	out.Messages = append([]ChatMessage(nil), s.Messages...)
	return &out
}
