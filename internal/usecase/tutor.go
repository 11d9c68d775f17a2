package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"socratic-tutor/internal/answercheck"
	"socratic-tutor/internal/conversation"
	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/flows"
	"socratic-tutor/internal/guard"
	"socratic-tutor/internal/observability"
	"socratic-tutor/internal/progress"
)

const (
	defaultMaxMessageLength = 1000
	defaultStuckThreshold   = 2
)

type ConversationStore interface {
	AddMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) *domain.Session
	SetProblem(ctx context.Context, sessionID string, problem domain.Problem) error
	ClearContext(ctx context.Context, sessionID string)
	GetConversationHistory(ctx context.Context, sessionID string) []domain.ChatMessage
}

type ProgressTracker interface {
	TrackProgress(ctx context.Context, sessionID string, cfg progress.Config) progress.Result
}

type DialogueGenerator interface {
	Generate(ctx context.Context, req dialogue.Request) (dialogue.Response, error)
}

type AnswerBlocker interface {
	BlockAndRewrite(ctx context.Context, responseText, problemText string, problemType domain.ProblemType, history []domain.ChatMessage, opts ...guard.RewriteOption) guard.BlockingResult
}

type AnswerChecker interface {
	CheckAnswer(ctx context.Context, in answercheck.Input) answercheck.Result
}

type FlowGenerator interface {
	GenerateFollowUp(ctx context.Context, p flows.Problem, v domain.AnswerValidationContext) (flows.Output, error)
	GenerateStepByStepGuidance(ctx context.Context, p flows.Problem) flows.Output
	GenerateInitialGreeting(ctx context.Context, p flows.Problem, stage flows.Stage) (flows.Output, error)
}

// Moderator screens student messages before any dialogue call.
type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// Dependencies are the collaborators a TutorService drives. Moderator is
// optional; everything else is required.
type Dependencies struct {
	Conversations ConversationStore
	Progress      ProgressTracker
	Dialogue      DialogueGenerator
	Blocker       AnswerBlocker
	Checker       AnswerChecker
	Flows         FlowGenerator
	Moderator     Moderator
}

type Options struct {
	StuckThreshold   int
	MaxMessageLength int
	Logger           *slog.Logger
}

// TutorService exposes the tutoring operations to the transport layer.
type TutorService struct {
	deps             Dependencies
	stuckThreshold   int
	maxMessageLength int
	logger           *slog.Logger
}

type ProblemInput struct {
	SessionID   string
	ProblemText string
	ProblemType string
}

type ChatInput struct {
	ProblemInput
	Message string
}

type ChatOutput struct {
	SessionID string
	Response  string
	HelpLevel domain.HelpLevel
	Progress  progress.Result
	Blocking  guard.BlockingResult
}

type CheckAnswerInput struct {
	ProblemInput
	StudentAnswer string
}

type CheckAnswerOutput struct {
	SessionID string
	Result    answercheck.Result
	Verdict   domain.ValidationResult
}

type FollowUpInput struct {
	ProblemInput
	Result        string
	StudentAnswer string
}

type GreetingInput struct {
	ProblemInput
	PromptType string
}

// FlowOutput is returned by the follow-up, guidance and greeting operations.
type FlowOutput struct {
	SessionID string
	Response  string
	HelpLevel domain.HelpLevel
	Blocked   bool
	Fallback  bool
}

func NewTutorService(deps Dependencies, opts Options) (*TutorService, error) {
	if deps.Conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if deps.Progress == nil {
		return nil, errors.New("usecase: progress tracker must not be nil")
	}
	if deps.Dialogue == nil {
		return nil, errors.New("usecase: dialogue generator must not be nil")
	}
	if deps.Blocker == nil {
		return nil, errors.New("usecase: answer blocker must not be nil")
	}
	if deps.Checker == nil {
		return nil, errors.New("usecase: answer checker must not be nil")
	}
	if deps.Flows == nil {
		return nil, errors.New("usecase: flow generator must not be nil")
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = defaultStuckThreshold
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	return &TutorService{
		deps:             deps,
		stuckThreshold:   opts.StuckThreshold,
		maxMessageLength: opts.MaxMessageLength,
		logger:           opts.Logger,
	}, nil
}

// SendChatMessage runs one Socratic turn: record the student message, assess
// progress, generate a reply and pass it through the answer blocker.
func (s *TutorService) SendChatMessage(ctx context.Context, in ChatInput) (ChatOutput, error) {
	sessionID, problem, err := s.resolveProblem(in.ProblemInput)
	if err != nil {
		return ChatOutput{}, err
	}
	message, err := s.validateText(in.Message, "message")
	if err != nil {
		return ChatOutput{}, err
	}
	if err := s.moderate(ctx, message); err != nil {
		return ChatOutput{}, err
	}

	s.bindProblem(ctx, sessionID, problem)
	history := s.deps.Conversations.GetConversationHistory(ctx, sessionID)
	s.deps.Conversations.AddMessage(ctx, sessionID, domain.UserMessage(message))

	prog := s.deps.Progress.TrackProgress(ctx, sessionID, progress.Config{StuckThreshold: s.stuckThreshold})

	resp, err := s.deps.Dialogue.Generate(ctx, dialogue.Request{
		ProblemText:    problem.Text,
		ProblemType:    problem.Type,
		StudentMessage: message,
		History:        history,
		HelpLevel:      prog.HelpLevel,
	})
	if err != nil {
		return ChatOutput{}, upstreamError("dialogue", err)
	}

	turn := append(append([]domain.ChatMessage{}, history...), domain.UserMessage(message))
	blocking := s.deps.Blocker.BlockAndRewrite(ctx, resp.Text, problem.Text, problem.Type, turn)
	reply := blocking.Final()
	if blocking.Blocked {
		s.log(ctx).Info("reply blocked and rewritten",
			"session_id", sessionID,
			"method", blocking.DetectionMethod,
			"confidence", blocking.Confidence,
		)
	}
	s.deps.Conversations.AddMessage(ctx, sessionID, domain.AssistantMessage(reply))

	return ChatOutput{
		SessionID: sessionID,
		Response:  reply,
		HelpLevel: prog.HelpLevel,
		Progress:  prog,
		Blocking:  blocking,
	}, nil
}

// CheckAnswer judges a submitted answer. The session is not modified.
func (s *TutorService) CheckAnswer(ctx context.Context, in CheckAnswerInput) (CheckAnswerOutput, error) {
	sessionID, problem, err := s.resolveProblem(in.ProblemInput)
	if err != nil {
		return CheckAnswerOutput{}, err
	}
	answer, err := s.validateText(in.StudentAnswer, "answer")
	if err != nil {
		return CheckAnswerOutput{}, err
	}

	result := s.deps.Checker.CheckAnswer(ctx, answercheck.Input{
		StudentAnswer: answer,
		ProblemText:   problem.Text,
		ProblemType:   problem.Type,
	})
	return CheckAnswerOutput{
		SessionID: sessionID,
		Result:    result,
		Verdict:   result.ValidationResult(),
	}, nil
}

// GenerateFollowUp replies to the outcome of an answer check.
func (s *TutorService) GenerateFollowUp(ctx context.Context, in FollowUpInput) (FlowOutput, error) {
	sessionID, problem, err := s.resolveProblem(in.ProblemInput)
	if err != nil {
		return FlowOutput{}, err
	}
	verdict, err := domain.ParseValidationResult(in.Result)
	if err != nil {
		return FlowOutput{}, newError(ErrorInvalidInput, "invalid_result", err)
	}
	answer := strings.TrimSpace(in.StudentAnswer)
	if utf8.RuneCountInString(answer) > s.maxMessageLength {
		return FlowOutput{}, newError(ErrorInvalidInput, "answer_too_long", nil)
	}

	return s.runFlow(ctx, sessionID, problem, func(p flows.Problem) (flows.Output, error) {
		return s.deps.Flows.GenerateFollowUp(ctx, p, domain.AnswerValidationContext{
			Result:        verdict,
			StudentAnswer: answer,
		})
	})
}

// GenerateStepByStepGuidance produces an escalated walkthrough of the next step.
func (s *TutorService) GenerateStepByStepGuidance(ctx context.Context, in ProblemInput) (FlowOutput, error) {
	sessionID, problem, err := s.resolveProblem(in)
	if err != nil {
		return FlowOutput{}, err
	}
	return s.runFlow(ctx, sessionID, problem, func(p flows.Problem) (flows.Output, error) {
		return s.deps.Flows.GenerateStepByStepGuidance(ctx, p), nil
	})
}

// GenerateInitialGreeting produces the greeting for the requested prompt type.
func (s *TutorService) GenerateInitialGreeting(ctx context.Context, in GreetingInput) (FlowOutput, error) {
	sessionID, problem, err := s.resolveProblem(in.ProblemInput)
	if err != nil {
		return FlowOutput{}, err
	}
	stage := flows.StageInitial
	if strings.TrimSpace(in.PromptType) != "" {
		if stage, err = flows.ParseStage(in.PromptType); err != nil {
			return FlowOutput{}, newError(ErrorInvalidInput, "invalid_prompt_type", err)
		}
	}

	return s.runFlow(ctx, sessionID, problem, func(p flows.Problem) (flows.Output, error) {
		return s.deps.Flows.GenerateInitialGreeting(ctx, p, stage)
	})
}

// ClearSession forgets everything stored for sessionID.
func (s *TutorService) ClearSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	s.deps.Conversations.ClearContext(ctx, sessionID)
	return nil
}

func (s *TutorService) runFlow(ctx context.Context, sessionID string, problem domain.Problem, generate func(flows.Problem) (flows.Output, error)) (FlowOutput, error) {
	s.bindProblem(ctx, sessionID, problem)
	history := s.deps.Conversations.GetConversationHistory(ctx, sessionID)

	out, err := generate(flows.Problem{Text: problem.Text, Type: problem.Type, History: history})
	if err != nil {
		return FlowOutput{}, newError(ErrorInvalidInput, "invalid_flow_input", err)
	}
	s.deps.Conversations.AddMessage(ctx, sessionID, domain.AssistantMessage(out.Text))

	return FlowOutput{
		SessionID: sessionID,
		Response:  out.Text,
		HelpLevel: out.HelpLevel,
		Blocked:   out.Blocking.Blocked,
		Fallback:  out.Fallback,
	}, nil
}

// resolveProblem validates the shared request fields and mints a session id
// when the caller did not supply one.
func (s *TutorService) resolveProblem(in ProblemInput) (string, domain.Problem, error) {
	text := strings.TrimSpace(in.ProblemText)
	if text == "" {
		return "", domain.Problem{}, newError(ErrorInvalidInput, "missing_problem_text", nil)
	}
	if strings.TrimSpace(in.ProblemType) == "" {
		return "", domain.Problem{}, newError(ErrorInvalidInput, "missing_problem_type", nil)
	}
	problemType, err := domain.ParseProblemType(in.ProblemType)
	if err != nil {
		return "", domain.Problem{}, newError(ErrorInvalidInput, "invalid_problem_type", err)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	return sessionID, domain.Problem{Text: text, Type: problemType}, nil
}

func (s *TutorService) validateText(raw, field string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", newError(ErrorInvalidInput, "empty_"+field, nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLength {
		return "", newError(ErrorInvalidInput, field+"_too_long", nil)
	}
	return text, nil
}

func (s *TutorService) moderate(ctx context.Context, message string) error {
	if s.deps.Moderator == nil {
		return nil
	}
	flagged, err := s.deps.Moderator.Moderate(ctx, message)
	if err != nil {
		return upstreamError("moderation", err)
	}
	if flagged {
		return newError(ErrorInvalidMessage, "moderation_flagged", nil)
	}
	return nil
}

// bindProblem attaches problem to the session. A session that was working on
// a different problem is cleared first. Storage failures only cost
// continuity and are logged.
func (s *TutorService) bindProblem(ctx context.Context, sessionID string, problem domain.Problem) {
	err := s.deps.Conversations.SetProblem(ctx, sessionID, problem)
	if errors.Is(err, conversation.ErrProblemConflict) {
		s.log(ctx).Info("problem changed, starting a fresh session", "session_id", sessionID)
		s.deps.Conversations.ClearContext(ctx, sessionID)
		err = s.deps.Conversations.SetProblem(ctx, sessionID, problem)
	}
	if err != nil {
		s.log(ctx).Warn("bind problem failed", "session_id", sessionID, "err", err)
	}
}

func (s *TutorService) log(ctx context.Context) *slog.Logger {
	return observability.LoggerFromContext(ctx, s.logger)
}

var newUUID = func() string {
	return uuid.NewString()
}
