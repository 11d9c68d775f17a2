// Package conversation keeps per-session tutoring context: the active
// problem and a bounded, TTL-limited message tail.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
	"socratic-tutor/internal/repository"
)

const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxMessages = 10
)

// ErrProblemConflict is returned by SetProblem when the session is already
// bound to a different problem. The problem can only change after a clear.
var ErrProblemConflict = errors.New("conversation: session already has a different problem")

// Store wraps a SessionRepository with lazy TTL expiry and the message cap.
type Store struct {
	repo        repository.SessionRepository
	ttl         time.Duration
	maxMessages int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithClock overrides time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(repo repository.SessionRepository, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("conversation: repository must not be nil")
	}
	s := &Store{
		repo:        repo,
		ttl:         DefaultTTL,
		maxMessages: DefaultMaxMessages,
		now:         time.Now,
		logger:      observability.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetContext returns the live session or nil. An expired session is deleted
// as a side effect of the read.
func (s *Store) GetContext(ctx context.Context, sessionID string) (*domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("conversation: session id is required")
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation: get context: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	if session.Expired(s.now()) {
		if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
			s.log(ctx).Warn("delete expired session failed", "session_id", sessionID, "err", err)
		}
		return nil, nil
	}
	return session, nil
}

// AddMessage appends msg, keeps the newest maxMessages entries and refreshes
// the TTL. Storage failures are logged; the returned session always contains
// msg even when it could not be persisted. When the stored session cannot be
// read the append stays in memory so the stored copy is not overwritten.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) *domain.Session {
	now := s.now()
	session, err := s.GetContext(ctx, sessionID)
	if err != nil {
		s.log(ctx).Warn("load session for append failed, not persisting", "session_id", sessionID, "err", err)
		session = domain.NewSession(sessionID, now, s.ttl)
		session.Append(msg, s.maxMessages)
		return session
	}
	if session == nil {
		session = domain.NewSession(sessionID, now, s.ttl)
	}
	session.Append(msg, s.maxMessages)
	session.Touch(now, s.ttl)

	if err := s.repo.PutSession(ctx, session); err != nil {
		s.log(ctx).Warn("persist session failed", "session_id", sessionID, "err", err)
	}
	return session
}

// SetProblem binds problem to the session, creating it when absent. Setting
// the same problem again only refreshes the TTL; a different problem yields
// ErrProblemConflict.
func (s *Store) SetProblem(ctx context.Context, sessionID string, problem domain.Problem) error {
	now := s.now()
	session, err := s.GetContext(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		session = domain.NewSession(sessionID, now, s.ttl)
	}
	if session.Problem != nil && !session.Problem.Same(problem) {
		return ErrProblemConflict
	}
	if session.Problem == nil {
		p := problem
		session.Problem = &p
	}
	session.Touch(now, s.ttl)

	if err := s.repo.PutSession(ctx, session); err != nil {
		return fmt.Errorf("conversation: set problem: %w", err)
	}
	return nil
}

// ClearContext deletes the session. Errors are logged and swallowed.
func (s *Store) ClearContext(ctx context.Context, sessionID string) {
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		s.log(ctx).Warn("clear session failed", "session_id", sessionID, "err", err)
	}
}

// GetConversationHistory returns the session messages, or an empty slice on
// any failure.
func (s *Store) GetConversationHistory(ctx context.Context, sessionID string) []domain.ChatMessage {
	session, err := s.GetContext(ctx, sessionID)
	if err != nil {
		s.log(ctx).Warn("load history failed", "session_id", sessionID, "err", err)
		return []domain.ChatMessage{}
	}
	if session == nil || len(session.Messages) == 0 {
		return []domain.ChatMessage{}
	}
	return session.Messages
}

func (s *Store) log(ctx context.Context) *slog.Logger {
	return observability.LoggerFromContext(ctx, s.logger)
}
