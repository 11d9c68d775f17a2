// Package progress decides from the recent conversation tail whether a
// student is stuck and the tutor should escalate its help.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
)

const (
	DefaultStuckThreshold = 2
	minProgressLength     = 20
)

var progressKeywords = []string{"think", "understand", "try", "step", "how", "why"}

// escalationMarkers identify assistant turns that already gave escalated,
// step-oriented help.
var escalationMarkers = []string{"step by step", "step-by-step", "first step", "let's break"}

// HistoryReader is the part of the conversation store the tracker needs.
type HistoryReader interface {
	GetContext(ctx context.Context, sessionID string) (*domain.Session, error)
}

type Config struct {
	StuckThreshold int
}

// Result is recomputed on every turn and never stored.
type Result struct {
	StuckTurns     int              `json:"stuckTurns"`
	HelpLevel      domain.HelpLevel `json:"helpLevel"`
	ShouldEscalate bool             `json:"shouldEscalate"`
	ProgressMade   bool             `json:"progressMade"`
	// PreviouslyEscalated is informational; escalation has a single level.
	PreviouslyEscalated bool `json:"previouslyEscalated"`
}

type Tracker struct {
	history HistoryReader
	logger  *slog.Logger
}

func NewTracker(history HistoryReader, logger *slog.Logger) (*Tracker, error) {
	if history == nil {
		return nil, errors.New("progress: history reader must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &Tracker{history: history, logger: logger}, nil
}

// Policy reports the direction the tracker degrades in on storage errors.
func (t *Tracker) Policy() domain.FailurePolicy {
	return domain.FailOpen
}

// TrackProgress inspects the session tail. Storage errors produce the normal
// help level rather than an error.
func (t *Tracker) TrackProgress(ctx context.Context, sessionID string, cfg Config) Result {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	session, err := t.history.GetContext(ctx, sessionID)
	if err != nil {
		observability.LoggerFromContext(ctx, t.logger).Warn("progress: history unavailable, using normal help",
			"session_id", sessionID, "err", err)
		return Result{HelpLevel: domain.HelpNormal}
	}
	if session == nil {
		return Evaluate(nil, cfg)
	}
	return Evaluate(session.Messages, cfg)
}

// Evaluate applies the stuck-turn heuristic to messages.
func Evaluate(messages []domain.ChatMessage, cfg Config) Result {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if len(messages) == 0 {
		return Result{HelpLevel: domain.HelpNormal, ProgressMade: true}
	}

	window := messages
	if n := cfg.StuckThreshold * 2; len(window) > n {
		window = window[len(window)-n:]
	}

	var res Result
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		if m.Role == domain.RoleAssistant {
			if hasEscalationMarker(m.Content) {
				res.PreviouslyEscalated = true
			}
			continue
		}
		if m.Role != domain.RoleUser {
			continue
		}
		if HasProgressIndicator(m.Content) {
			res.ProgressMade = true
			break
		}
		res.StuckTurns++
	}

	res.ShouldEscalate = res.StuckTurns >= cfg.StuckThreshold && !res.ProgressMade
	res.HelpLevel = lo.Ternary(res.ShouldEscalate, domain.HelpEscalated, domain.HelpNormal)
	return res
}

// HasProgressIndicator reports whether a student message shows engagement.
func HasProgressIndicator(content string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(content)) > minProgressLength {
		return true
	}
	if strings.Contains(content, "?") {
		return true
	}
	lower := strings.ToLower(content)
	return lo.SomeBy(progressKeywords, func(k string) bool {
		return strings.Contains(lower, k)
	})
}

func hasEscalationMarker(content string) bool {
	lower := strings.ToLower(content)
	return lo.SomeBy(escalationMarkers, func(m string) bool {
		return strings.Contains(lower, m)
	})
}
