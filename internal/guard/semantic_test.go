package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/domain"
)

type scriptedCompleter struct {
	reply string
	err   error
	req   completion.Request
}

func (s *scriptedCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	s.req = req
	return s.reply, s.err
}

func newTestSemantic(t *testing.T, c completion.Completer) *SemanticDetector {
	t.Helper()
	d, err := NewSemanticDetector(c, nil)
	require.NoError(t, err)
	return d
}

func TestValidateResponseForAnswers_ORsBothQuestions(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  bool
	}{
		{name: "neither", reply: `{"containsDirectAnswer":false,"revealsSolution":false,"confidence":0.9,"reasoning":"only asks a question"}`, want: false},
		{name: "direct", reply: `{"containsDirectAnswer":true,"revealsSolution":false,"confidence":0.8,"reasoning":"states x"}`, want: true},
		{name: "reveals", reply: `{"containsDirectAnswer":false,"revealsSolution":true,"confidence":0.7,"reasoning":"last step shown"}`, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &scriptedCompleter{reply: tc.reply}
			d := newTestSemantic(t, llm)
			got := d.ValidateResponseForAnswers(context.Background(), "What is 2x?", "2x + 5 = 15", domain.ProblemAlgebra)
			require.Equal(t, tc.want, got.ContainsAnswer)
			require.NotEmpty(t, got.Reasoning)

			require.True(t, llm.req.JSONMode)
			require.Equal(t, "answer_leak_judgment", llm.req.Schema.Name)
			require.Contains(t, llm.req.Messages[0].Content, "2x + 5 = 15")
			require.Contains(t, llm.req.Messages[0].Content, "What is 2x?")
		})
	}
}

func TestValidateResponseForAnswers_FailsClosed(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "upstream error", err: errors.New("rate limited")},
		{name: "not json", reply: "looks fine to me"},
		{name: "missing boolean", reply: `{"containsDirectAnswer":false,"confidence":0.9,"reasoning":"x"}`},
		{name: "missing confidence", reply: `{"containsDirectAnswer":false,"revealsSolution":false,"reasoning":"x"}`},
		{name: "trailing object", reply: `{"containsDirectAnswer":false,"revealsSolution":false,"confidence":0.9}{"containsDirectAnswer":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestSemantic(t, &scriptedCompleter{reply: tc.reply, err: tc.err})
			got := d.ValidateResponseForAnswers(context.Background(), "text", "problem", domain.ProblemArithmetic)
			require.True(t, got.ContainsAnswer)
			require.InDelta(t, 0.5, got.Confidence, 1e-9)
			require.NotEmpty(t, got.Reasoning)
		})
	}
}

func TestValidateResponseForAnswers_ToleratesExtraKeys(t *testing.T) {
	d := newTestSemantic(t, &scriptedCompleter{reply: `{"containsDirectAnswer":false,"revealsSolution":false,"confidence":0.9,"reasoning":"asks a question","safe":true}`})
	got := d.ValidateResponseForAnswers(context.Background(), "What is being added to 2x?", "2x + 5 = 15", domain.ProblemAlgebra)
	require.False(t, got.ContainsAnswer)
	require.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestSemanticDetector_DetectAndPolicy(t *testing.T) {
	d := newTestSemantic(t, &scriptedCompleter{reply: `{"containsDirectAnswer":true,"revealsSolution":true,"confidence":1.7,"reasoning":"x = 5"}`})
	got, err := d.Detect(context.Background(), "x = 5", DetectionContext{ProblemText: "2x + 5 = 15"})
	require.NoError(t, err)
	require.True(t, got.Detected)
	require.InDelta(t, 1.0, got.Confidence, 1e-9)
	require.Equal(t, MethodLLM, d.Method())
	require.Equal(t, domain.FailClosed, d.Policy())
}

func TestNewSemanticDetector_NilCompleter(t *testing.T) {
	_, err := NewSemanticDetector(nil, nil)
	require.Error(t, err)
}
