package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/domain"
)

type stubDetector struct {
	method    Method
	detection Detection
	err       error
	panicMsg  string
}

func (s *stubDetector) Method() Method { return s.method }

func (s *stubDetector) Policy() domain.FailurePolicy { return domain.FailClosed }

func (s *stubDetector) Detect(context.Context, string, DetectionContext) (Detection, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.detection, s.err
}

type stubRewriter struct {
	text     string
	err      error
	panicMsg string
	calls    int
	req      dialogue.Request
}

func (s *stubRewriter) Generate(_ context.Context, req dialogue.Request) (dialogue.Response, error) {
	s.calls++
	s.req = req
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return dialogue.Response{Text: s.text}, s.err
}

func clean(method Method) *stubDetector {
	return &stubDetector{method: method, detection: Detection{Confidence: 0.1}}
}

func fired(method Method, confidence float64) *stubDetector {
	return &stubDetector{method: method, detection: Detection{Detected: true, Confidence: confidence}}
}

func newTestOrchestrator(t *testing.T, r Rewriter, detectors ...Detector) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(r, nil, detectors...)
	require.NoError(t, err)
	return o
}

var history = []domain.ChatMessage{
	domain.UserMessage("I don't know where to start"),
	domain.AssistantMessage("What is being added to 2x?"),
	domain.UserMessage("the 5?"),
}

func TestBlockAndRewrite_NotDetected(t *testing.T) {
	rw := &stubRewriter{text: "unused"}
	o := newTestOrchestrator(t, rw, NewKeywordDetector(), clean(MethodLLM))

	got := o.BlockAndRewrite(context.Background(), "What could you do to both sides?", "2x + 5 = 15", domain.ProblemAlgebra, history)
	require.False(t, got.Blocked)
	require.Empty(t, got.RewrittenResponse)
	require.Equal(t, MethodNone, got.DetectionMethod)
	require.InDelta(t, 0.1, got.Confidence, 1e-9)
	require.Equal(t, "What could you do to both sides?", got.Final())
	require.Zero(t, rw.calls)
}

func TestBlockAndRewrite_Methods(t *testing.T) {
	cases := []struct {
		name       string
		detectors  []Detector
		method     Method
		confidence float64
	}{
		{name: "keyword", detectors: []Detector{fired(MethodKeyword, 0.9), clean(MethodLLM)}, method: MethodKeyword, confidence: 0.9},
		{name: "llm", detectors: []Detector{clean(MethodKeyword), fired(MethodLLM, 0.6)}, method: MethodLLM, confidence: 0.6},
		{name: "both", detectors: []Detector{fired(MethodKeyword, 0.7), fired(MethodLLM, 0.95)}, method: MethodBoth, confidence: 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := &stubRewriter{text: "What do you notice about 2x?"}
			o := newTestOrchestrator(t, rw, tc.detectors...)

			got := o.BlockAndRewrite(context.Background(), "x is 5", "2x + 5 = 15", domain.ProblemAlgebra, history)
			require.True(t, got.Blocked)
			require.Equal(t, tc.method, got.DetectionMethod)
			require.InDelta(t, tc.confidence, got.Confidence, 1e-9)
			require.Equal(t, "x is 5", got.OriginalResponse)
			require.Equal(t, "What do you notice about 2x?", got.RewrittenResponse)
			require.Equal(t, got.RewrittenResponse, got.Final())

			require.Equal(t, 1, rw.calls)
			require.Equal(t, "the 5?", rw.req.StudentMessage)
			require.Equal(t, history[:2], rw.req.History)
			require.Equal(t, domain.HelpNormal, rw.req.HelpLevel)
			require.Empty(t, rw.req.SystemOverride)
		})
	}
}

func TestBlockAndRewrite_StudentTurnSentOnce(t *testing.T) {
	cases := []struct {
		name    string
		history []domain.ChatMessage
		want    []domain.ChatMessage
	}{
		{
			name:    "single turn",
			history: []domain.ChatMessage{domain.UserMessage("I don't know where to start")},
			want:    []domain.ChatMessage{domain.UserMessage("I don't know where to start")},
		},
		{
			name:    "with earlier turns",
			history: history,
			want:    history,
		},
		{
			name: "replies to newest student turn",
			history: []domain.ChatMessage{
				domain.UserMessage("help"),
				domain.AssistantMessage("What do you see?"),
			},
			want: []domain.ChatMessage{domain.UserMessage("help")},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sent []domain.ChatMessage
			llm := completion.CompleterFunc(func(_ context.Context, req completion.Request) (string, error) {
				sent = req.Messages
				return "What is being added to 2x?", nil
			})
			gen, err := dialogue.NewGenerator(llm, nil)
			require.NoError(t, err)
			o := newTestOrchestrator(t, gen, NewKeywordDetector())

			got := o.BlockAndRewrite(context.Background(), "x = 5", "2x + 5 = 15", domain.ProblemAlgebra, tc.history)
			require.True(t, got.Blocked)
			require.Equal(t, "What is being added to 2x?", got.RewrittenResponse)
			require.Equal(t, tc.want, sent)
		})
	}
}

func TestBlockAndRewrite_WithRewriteTurn(t *testing.T) {
	rw := &stubRewriter{text: "Great job! How did you know where to start?"}
	o := newTestOrchestrator(t, rw, NewKeywordDetector())

	got := o.BlockAndRewrite(context.Background(), "Great job, x = 5!", "2x + 5 = 15", domain.ProblemAlgebra, history,
		WithRewriteTurn("I submitted my answer and it was marked correct.", "Celebrate briefly."))
	require.True(t, got.Blocked)
	require.Equal(t, "I submitted my answer and it was marked correct.", rw.req.StudentMessage)
	require.Equal(t, "Celebrate briefly.", rw.req.SystemOverride)
	require.Equal(t, history, rw.req.History)
	require.Equal(t, domain.HelpNormal, rw.req.HelpLevel)
}

func TestBlockAndRewrite_FailingSemanticDetectorIsExcluded(t *testing.T) {
	broken := &stubDetector{method: MethodLLM, err: errors.New("judge unavailable")}
	o := newTestOrchestrator(t, &stubRewriter{text: "What comes next?"}, NewKeywordDetector(), broken)

	got := o.BlockAndRewrite(context.Background(), "So x = 5", "2x + 5 = 15", domain.ProblemAlgebra, history)
	require.True(t, got.Blocked)
	require.Equal(t, MethodKeyword, got.DetectionMethod)

	got = o.BlockAndRewrite(context.Background(), "What do you see?", "2x + 5 = 15", domain.ProblemAlgebra, history)
	require.False(t, got.Blocked)
	require.Equal(t, MethodNone, got.DetectionMethod)
}

func TestBlockAndRewrite_PanickingDetectorIsExcluded(t *testing.T) {
	broken := &stubDetector{method: MethodLLM, panicMsg: "nil map"}
	o := newTestOrchestrator(t, &stubRewriter{text: "What comes next?"}, NewKeywordDetector(), broken)

	got := o.BlockAndRewrite(context.Background(), "Then x = 5", "2x + 5 = 15", domain.ProblemAlgebra, nil)
	require.True(t, got.Blocked)
	require.Equal(t, MethodKeyword, got.DetectionMethod)
}

func TestBlockAndRewrite_RewriteFailureUsesFallback(t *testing.T) {
	rw := &stubRewriter{err: errors.New("rate limited")}
	o := newTestOrchestrator(t, rw, NewKeywordDetector())

	got := o.BlockAndRewrite(context.Background(), "The answer is 10", "5 + 5", domain.ProblemArithmetic, nil)
	require.True(t, got.Blocked)
	require.Equal(t, FallbackResponse, got.RewrittenResponse)
	require.Equal(t, defaultRewritePrompt, rw.req.StudentMessage)
}

func TestBlockAndRewrite_PanicWithholds(t *testing.T) {
	rw := &stubRewriter{panicMsg: "boom"}
	o := newTestOrchestrator(t, rw, NewKeywordDetector())

	got := o.BlockAndRewrite(context.Background(), "x = 5", "2x + 5 = 15", domain.ProblemAlgebra, history)
	require.True(t, got.Blocked)
	require.Equal(t, FallbackResponse, got.RewrittenResponse)
	require.Equal(t, domain.FailClosed, o.Policy())
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, nil, NewKeywordDetector())
	require.Error(t, err)

	_, err = NewOrchestrator(&stubRewriter{}, nil)
	require.Error(t, err)

	_, err = NewOrchestrator(&stubRewriter{}, nil, NewKeywordDetector(), nil)
	require.Error(t, err)
}
