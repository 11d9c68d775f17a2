package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"socratic-tutor/internal/answercheck"
	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/conversation"
	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/flows"
	"socratic-tutor/internal/guard"
	"socratic-tutor/internal/progress"
	"socratic-tutor/internal/repository"
)

const (
	algebraProblem = "Solve for x: 2x + 5 = 15"
	otherProblem   = "What is 7 x 8?"
)

// scriptedLLM answers judgment requests by schema name and hands out the
// dialogue replies in order, repeating the last one.
type scriptedLLM struct {
	mu            sync.Mutex
	replies       []string
	checkReply    string
	err           error
	dialogueCalls int
	judgeCalls    int
}

func (s *scriptedLLM) Complete(_ context.Context, req completion.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if req.Schema != nil {
		switch req.Schema.Name {
		case "answer_leak_judgment":
			s.judgeCalls++
			leaked := strings.Contains(req.Messages[len(req.Messages)-1].Content, "x = 5")
			return fmt.Sprintf(`{"containsDirectAnswer":%t,"revealsSolution":false,"confidence":0.9,"reasoning":"checked"}`, leaked), nil
		case "answer_check":
			return s.checkReply, nil
		}
	}
	if len(s.replies) == 0 {
		return "", errors.New("no dialogue reply configured")
	}
	idx := min(s.dialogueCalls, len(s.replies)-1)
	s.dialogueCalls++
	return s.replies[idx], nil
}

type statusErr struct {
	code int
}

func (e *statusErr) Error() string { return fmt.Sprintf("status %d", e.code) }

func (e *statusErr) HTTPStatusCode() int { return e.code }

type fakeModerator struct {
	flagged bool
	err     error
	calls   int
}

func (m *fakeModerator) Moderate(context.Context, string) (bool, error) {
	m.calls++
	return m.flagged, m.err
}

type harness struct {
	svc   *TutorService
	store *conversation.Store
	llm   *scriptedLLM
}

func newHarness(t *testing.T, llm *scriptedLLM, moderator Moderator) harness {
	t.Helper()
	store, err := conversation.New(repository.NewMemoryStore())
	require.NoError(t, err)
	tracker, err := progress.NewTracker(store, nil)
	require.NoError(t, err)
	gen, err := dialogue.NewGenerator(llm, nil)
	require.NoError(t, err)
	semantic, err := guard.NewSemanticDetector(llm, nil)
	require.NoError(t, err)
	orchestrator, err := guard.NewOrchestrator(gen, nil, guard.NewKeywordDetector(), semantic)
	require.NoError(t, err)
	checker, err := answercheck.NewChecker(llm, nil)
	require.NoError(t, err)
	flowGen, err := flows.NewGenerator(gen, orchestrator, nil)
	require.NoError(t, err)

	deps := Dependencies{
		Conversations: store,
		Progress:      tracker,
		Dialogue:      gen,
		Blocker:       orchestrator,
		Checker:       checker,
		Flows:         flowGen,
		Moderator:     moderator,
	}
	svc, err := NewTutorService(deps, Options{MaxMessageLength: 50})
	require.NoError(t, err)
	return harness{svc: svc, store: store, llm: llm}
}

func (h harness) session(t *testing.T, id string) *domain.Session {
	t.Helper()
	s, err := h.store.GetContext(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	ue, ok := AsError(err)
	require.True(t, ok, "expected *usecase.Error, got %T", err)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func fixedUUID(t *testing.T, id string) {
	t.Helper()
	orig := newUUID
	newUUID = func() string { return id }
	t.Cleanup(func() { newUUID = orig })
}

func algebra(sessionID string) ProblemInput {
	return ProblemInput{SessionID: sessionID, ProblemText: algebraProblem, ProblemType: "algebra"}
}

func TestNewTutorService_RequiresDependencies(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, nil)
	full := h.svc.deps

	cases := []struct {
		name   string
		mutate func(*Dependencies)
		want   string
	}{
		{name: "conversations", mutate: func(d *Dependencies) { d.Conversations = nil }, want: "conversation store"},
		{name: "progress", mutate: func(d *Dependencies) { d.Progress = nil }, want: "progress tracker"},
		{name: "dialogue", mutate: func(d *Dependencies) { d.Dialogue = nil }, want: "dialogue generator"},
		{name: "blocker", mutate: func(d *Dependencies) { d.Blocker = nil }, want: "answer blocker"},
		{name: "checker", mutate: func(d *Dependencies) { d.Checker = nil }, want: "answer checker"},
		{name: "flows", mutate: func(d *Dependencies) { d.Flows = nil }, want: "flow generator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := full
			tc.mutate(&deps)
			_, err := NewTutorService(deps, Options{})
			require.ErrorContains(t, err, tc.want)
		})
	}

	svc, err := NewTutorService(full, Options{})
	require.NoError(t, err)
	require.Equal(t, defaultStuckThreshold, svc.stuckThreshold)
	require.Equal(t, defaultMaxMessageLength, svc.maxMessageLength)
}

func TestSendChatMessage_Validation(t *testing.T) {
	cases := []struct {
		name   string
		in     ChatInput
		reason string
	}{
		{
			name:   "missing problem text",
			in:     ChatInput{ProblemInput: ProblemInput{ProblemType: "algebra"}, Message: "help"},
			reason: "missing_problem_text",
		},
		{
			name:   "missing problem type",
			in:     ChatInput{ProblemInput: ProblemInput{ProblemText: algebraProblem}, Message: "help"},
			reason: "missing_problem_type",
		},
		{
			name:   "unknown problem type",
			in:     ChatInput{ProblemInput: ProblemInput{ProblemText: algebraProblem, ProblemType: "calculus"}, Message: "help"},
			reason: "invalid_problem_type",
		},
		{
			name:   "blank message",
			in:     ChatInput{ProblemInput: algebra(""), Message: "   "},
			reason: "empty_message",
		},
		{
			name:   "message too long",
			in:     ChatInput{ProblemInput: algebra(""), Message: strings.Repeat("a", 51)},
			reason: "message_too_long",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &scriptedLLM{replies: []string{"What do you notice?"}}, nil)
			_, err := h.svc.SendChatMessage(context.Background(), tc.in)
			expectError(t, err, ErrorInvalidInput, tc.reason)
			require.Zero(t, h.llm.dialogueCalls)
		})
	}
}

func TestSendChatMessage_LeakIsRewritten(t *testing.T) {
	fixedUUID(t, "session-a")
	llm := &scriptedLLM{replies: []string{
		"Subtract 5 from both sides and divide by 2, so x = 5.",
		"What could you do to both sides to undo the + 5?",
	}}
	h := newHarness(t, llm, nil)

	out, err := h.svc.SendChatMessage(context.Background(), ChatInput{
		ProblemInput: algebra(""),
		Message:      "I don't know where to start",
	})
	require.NoError(t, err)
	require.Equal(t, "session-a", out.SessionID)

	require.True(t, out.Blocking.Blocked)
	require.Equal(t, guard.MethodBoth, out.Blocking.DetectionMethod)
	require.NotContains(t, out.Response, "x = 5")
	require.False(t, regexp.MustCompile(`(^|[^\d])5\s*[.!]?\s*$`).MatchString(out.Response))
	require.Contains(t, out.Response, "?")
	require.Equal(t, domain.HelpNormal, out.HelpLevel)

	s := h.session(t, "session-a")
	require.Len(t, s.Messages, 2)
	require.Equal(t, domain.UserMessage("I don't know where to start"), s.Messages[0])
	require.Equal(t, domain.AssistantMessage(out.Response), s.Messages[1])
	require.Equal(t, domain.ProblemAlgebra, s.Problem.Type)
}

func TestSendChatMessage_CleanReplyPassesThrough(t *testing.T) {
	reply := "What operation is being applied to x?"
	h := newHarness(t, &scriptedLLM{replies: []string{reply}}, nil)

	out, err := h.svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "help"})
	require.NoError(t, err)
	require.False(t, out.Blocking.Blocked)
	require.Empty(t, out.Blocking.RewrittenResponse)
	require.Equal(t, reply, out.Response)
	require.Equal(t, 1, h.llm.dialogueCalls)
	require.Equal(t, 1, h.llm.judgeCalls)
}

func TestSendChatMessage_EscalatesWhenStuck(t *testing.T) {
	h := newHarness(t, &scriptedLLM{replies: []string{"What is on the left side?"}}, nil)
	ctx := context.Background()

	var out ChatOutput
	var err error
	for _, msg := range []string{"idk", "no", "nope"} {
		out, err = h.svc.SendChatMessage(ctx, ChatInput{ProblemInput: algebra("stuck"), Message: msg})
		require.NoError(t, err)
	}
	require.True(t, out.Progress.ShouldEscalate)
	require.Equal(t, domain.HelpEscalated, out.HelpLevel)
}

func TestSendChatMessage_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{name: "rate limited", err: &statusErr{code: 429}, code: ErrorRateLimited, reason: "dialogue_rate_limited"},
		{name: "unauthorized", err: &statusErr{code: 401}, code: ErrorUnauthorized, reason: "dialogue_unauthorized"},
		{name: "server error", err: &statusErr{code: 500}, code: ErrorUpstream, reason: "dialogue_error"},
		{name: "network", err: errors.New("connection reset"), code: ErrorUpstream, reason: "dialogue_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &scriptedLLM{err: tc.err}, nil)
			_, err := h.svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "help"})
			expectError(t, err, tc.code, tc.reason)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSendChatMessage_Moderation(t *testing.T) {
	t.Run("flagged", func(t *testing.T) {
		mod := &fakeModerator{flagged: true}
		h := newHarness(t, &scriptedLLM{replies: []string{"What next?"}}, mod)
		_, err := h.svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "rude"})
		expectError(t, err, ErrorInvalidMessage, "moderation_flagged")
		require.Zero(t, h.llm.dialogueCalls)
		require.Empty(t, h.store.GetConversationHistory(context.Background(), "s1"))
	})

	t.Run("rate limited", func(t *testing.T) {
		mod := &fakeModerator{err: &statusErr{code: 429}}
		h := newHarness(t, &scriptedLLM{replies: []string{"What next?"}}, mod)
		_, err := h.svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "hello"})
		expectError(t, err, ErrorRateLimited, "moderation_rate_limited")
	})

	t.Run("clean", func(t *testing.T) {
		mod := &fakeModerator{}
		h := newHarness(t, &scriptedLLM{replies: []string{"What next?"}}, mod)
		_, err := h.svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "hello"})
		require.NoError(t, err)
		require.Equal(t, 1, mod.calls)
	})
}

func TestSendChatMessage_ProblemSwitchStartsFresh(t *testing.T) {
	h := newHarness(t, &scriptedLLM{replies: []string{"What do you notice?"}}, nil)
	ctx := context.Background()

	_, err := h.svc.SendChatMessage(ctx, ChatInput{ProblemInput: algebra("s1"), Message: "first"})
	require.NoError(t, err)
	_, err = h.svc.SendChatMessage(ctx, ChatInput{ProblemInput: algebra("s1"), Message: "second"})
	require.NoError(t, err)
	require.Len(t, h.session(t, "s1").Messages, 4)

	_, err = h.svc.SendChatMessage(ctx, ChatInput{
		ProblemInput: ProblemInput{SessionID: "s1", ProblemText: otherProblem, ProblemType: "arithmetic"},
		Message:      "new one",
	})
	require.NoError(t, err)

	s := h.session(t, "s1")
	require.Len(t, s.Messages, 2)
	require.Equal(t, "new one", s.Messages[0].Content)
	require.Equal(t, domain.ProblemArithmetic, s.Problem.Type)
	require.Equal(t, otherProblem, s.Problem.Text)
}

func TestCheckAnswer_CorrectAnswer(t *testing.T) {
	fixedUUID(t, "minted")
	llm := &scriptedLLM{checkReply: `{"isCorrect":true,"isPartial":false,"confidence":0.95,"feedback":"Nice work!","reasoning":"2(5) + 5 = 15"}`}
	h := newHarness(t, llm, nil)

	out, err := h.svc.CheckAnswer(context.Background(), CheckAnswerInput{
		ProblemInput:  algebra(""),
		StudentAnswer: "x = 5",
	})
	require.NoError(t, err)
	require.Equal(t, "minted", out.SessionID)
	require.True(t, out.Result.IsCorrect)
	require.Equal(t, domain.ResultCorrect, out.Verdict)
	require.InDelta(t, 0.95, out.Result.Confidence, 1e-9)
}

func TestCheckAnswer_MalformedJudgmentIsIncorrect(t *testing.T) {
	h := newHarness(t, &scriptedLLM{checkReply: `{"confidence":0.9}`}, nil)

	out, err := h.svc.CheckAnswer(context.Background(), CheckAnswerInput{ProblemInput: algebra("s1"), StudentAnswer: "x = 5"})
	require.NoError(t, err)
	require.False(t, out.Result.IsCorrect)
	require.Equal(t, 0.5, out.Result.Confidence)
	require.Equal(t, domain.ResultIncorrect, out.Verdict)
}

func TestCheckAnswer_Validation(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, nil)
	_, err := h.svc.CheckAnswer(context.Background(), CheckAnswerInput{ProblemInput: algebra("s1")})
	expectError(t, err, ErrorInvalidInput, "empty_answer")

	_, err = h.svc.CheckAnswer(context.Background(), CheckAnswerInput{ProblemInput: algebra("s1"), StudentAnswer: strings.Repeat("9", 60)})
	expectError(t, err, ErrorInvalidInput, "answer_too_long")
}

func TestGenerateFollowUp_CorrectNeverTeachesSteps(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"Great job! Let's break it down:\n1. Subtract 5 from both sides.\n2. Divide by 2."}}
	h := newHarness(t, llm, nil)

	out, err := h.svc.GenerateFollowUp(context.Background(), FollowUpInput{
		ProblemInput:  algebra("s1"),
		Result:        "correct",
		StudentAnswer: "x = 5",
	})
	require.NoError(t, err)
	require.False(t, regexp.MustCompile(`(?m)(^|\s)\d+[.)]\s`).MatchString(out.Response), out.Response)
	require.NotContains(t, strings.ToLower(out.Response), "break it down")
	require.NotEmpty(t, out.Response)

	s := h.session(t, "s1")
	require.Len(t, s.Messages, 1)
	require.Equal(t, domain.AssistantMessage(out.Response), s.Messages[0])
}

func TestGenerateFollowUp_InvalidResult(t *testing.T) {
	h := newHarness(t, &scriptedLLM{replies: []string{"ok?"}}, nil)
	_, err := h.svc.GenerateFollowUp(context.Background(), FollowUpInput{ProblemInput: algebra("s1"), Result: "maybe"})
	expectError(t, err, ErrorInvalidInput, "invalid_result")
}

func TestGenerateStepByStepGuidance(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"Let's take it one step at a time. What is being added to 2x?"}}
	h := newHarness(t, llm, nil)

	out, err := h.svc.GenerateStepByStepGuidance(context.Background(), algebra("s1"))
	require.NoError(t, err)
	require.Equal(t, domain.HelpEscalated, out.HelpLevel)
	require.NotEmpty(t, out.Response)
	require.False(t, out.Blocked)
	require.Len(t, h.session(t, "s1").Messages, 1)
}

func TestGenerateInitialGreeting(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"Hi there! What do you notice about this equation?"}}
	h := newHarness(t, llm, nil)

	out, err := h.svc.GenerateInitialGreeting(context.Background(), GreetingInput{ProblemInput: algebra("s1")})
	require.NoError(t, err)
	require.NotEmpty(t, out.Response)
	require.Equal(t, "s1", out.SessionID)

	_, err = h.svc.GenerateInitialGreeting(context.Background(), GreetingInput{ProblemInput: algebra("s1"), PromptType: "follow-up-2"})
	require.NoError(t, err)
	require.Len(t, h.session(t, "s1").Messages, 2)

	_, err = h.svc.GenerateInitialGreeting(context.Background(), GreetingInput{ProblemInput: algebra("s1"), PromptType: "follow-up-9"})
	expectError(t, err, ErrorInvalidInput, "invalid_prompt_type")
}

func TestClearSession(t *testing.T) {
	h := newHarness(t, &scriptedLLM{replies: []string{"What do you notice?"}}, nil)
	ctx := context.Background()

	_, err := h.svc.SendChatMessage(ctx, ChatInput{ProblemInput: algebra("s1"), Message: "hello"})
	require.NoError(t, err)

	require.NoError(t, h.svc.ClearSession(ctx, "s1"))
	s, err := h.store.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, s)

	expectError(t, h.svc.ClearSession(ctx, " "), ErrorInvalidInput, "missing_session_id")
}

// failingStore simulates an unavailable session backend.
type failingStore struct{}

func (failingStore) GetSession(context.Context, string) (*domain.Session, error) {
	return nil, errors.New("backend down")
}

func (failingStore) PutSession(context.Context, *domain.Session) error {
	return errors.New("backend down")
}

func (failingStore) DeleteSession(context.Context, string) error {
	return errors.New("backend down")
}

func TestSendChatMessage_StorageFailureDegradesToSingleTurn(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"What is being added to 2x?"}}
	h := newHarness(t, llm, nil)

	store, err := conversation.New(failingStore{})
	require.NoError(t, err)
	tracker, err := progress.NewTracker(store, nil)
	require.NoError(t, err)
	deps := h.svc.deps
	deps.Conversations = store
	deps.Progress = tracker
	svc, err := NewTutorService(deps, Options{})
	require.NoError(t, err)

	out, err := svc.SendChatMessage(context.Background(), ChatInput{ProblemInput: algebra("s1"), Message: "help"})
	require.NoError(t, err)
	require.Equal(t, "What is being added to 2x?", out.Response)
	require.Equal(t, domain.HelpNormal, out.HelpLevel)
}
