// Package dialogue produces Socratic tutor turns from the completion service.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
	maxHistoryMessages = 10

	TurnSocratic = "socratic"
	TurnOverride = "override"
)

type Request struct {
	ProblemText    string
	ProblemType    domain.ProblemType
	StudentMessage string
	History        []domain.ChatMessage
	HelpLevel      domain.HelpLevel
	// SystemOverride replaces the Socratic system prompt for special flows.
	SystemOverride string
}

type Metadata struct {
	Type      string           `json:"type"`
	HelpLevel domain.HelpLevel `json:"helpLevel"`
}

type Response struct {
	Text     string
	Metadata Metadata
}

// Error is returned for every completion failure so callers can branch on
// Kind without knowing the provider.
type Error struct {
	Kind completion.Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("dialogue: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Generator struct {
	llm    completion.Completer
	logger *slog.Logger
}

func NewGenerator(llm completion.Completer, logger *slog.Logger) (*Generator, error) {
	if llm == nil {
		return nil, errors.New("dialogue: completer must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &Generator{llm: llm, logger: logger}, nil
}

// Generate returns one tutor reply. It never substitutes fallback text:
// failures are returned as *Error.
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	student := strings.TrimSpace(req.StudentMessage)
	if student == "" {
		return Response{}, &Error{Kind: completion.KindGeneric, Err: errors.New("student message is required")}
	}
	if req.HelpLevel == "" {
		req.HelpLevel = domain.HelpNormal
	}

	system := strings.TrimSpace(req.SystemOverride)
	turnType := TurnOverride
	if system == "" {
		system = buildSystemPrompt(req.ProblemText, req.ProblemType, req.HelpLevel)
		turnType = TurnSocratic
	}

	messages := append(truncateHistory(req.History), domain.UserMessage(student))
	text, err := g.llm.Complete(ctx, completion.Request{
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		kind := completion.Classify(err)
		observability.LoggerFromContext(ctx, g.logger).Warn("dialogue completion failed", "kind", kind, "err", err)
		return Response{}, &Error{Kind: kind, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, &Error{Kind: completion.KindGeneric, Err: errors.New("empty completion")}
	}

	return Response{
		Text:     text,
		Metadata: Metadata{Type: turnType, HelpLevel: req.HelpLevel},
	}, nil
}

// truncateHistory keeps the newest user/assistant turns with content.
func truncateHistory(history []domain.ChatMessage) []domain.ChatMessage {
	kept := lo.Filter(history, func(m domain.ChatMessage, _ int) bool {
		return (m.Role == domain.RoleUser || m.Role == domain.RoleAssistant) && strings.TrimSpace(m.Content) != ""
	})
	if len(kept) > maxHistoryMessages {
		kept = kept[len(kept)-maxHistoryMessages:]
	}
	return kept
}
