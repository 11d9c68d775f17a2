package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
)

const failClosedConfidence = 0.5

type leakJudgment struct {
	ContainsDirectAnswer *bool    `json:"containsDirectAnswer" jsonschema:"description=True if the text states the final answer or the value of an unknown"`
	RevealsSolution      *bool    `json:"revealsSolution" jsonschema:"description=True if the text lets the student infer the solution without doing the work"`
	Confidence           *float64 `json:"confidence" jsonschema:"description=Confidence in this judgment from 0 to 1"`
	Reasoning            string   `json:"reasoning" jsonschema:"description=One sentence explaining the judgment"`
}

var leakSchema = completion.MustSchemaFor[leakJudgment]("answer_leak_judgment",
	"Judgment of whether tutor text reveals the solution to a math problem")

// SemanticResult is the outcome of the model-based leak judgment.
type SemanticResult struct {
	ContainsAnswer bool    `json:"containsAnswer"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// SemanticDetector asks the completion service whether text gives away the
// answer. Any failure is reported as a leak.
type SemanticDetector struct {
	llm    completion.Completer
	logger *slog.Logger
}

func NewSemanticDetector(llm completion.Completer, logger *slog.Logger) (*SemanticDetector, error) {
	if llm == nil {
		return nil, errors.New("guard: completer must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &SemanticDetector{llm: llm, logger: logger}, nil
}

func (d *SemanticDetector) Method() Method { return MethodLLM }

func (d *SemanticDetector) Policy() domain.FailurePolicy { return domain.FailClosed }

func (d *SemanticDetector) Detect(ctx context.Context, text string, dc DetectionContext) (Detection, error) {
	res := d.ValidateResponseForAnswers(ctx, text, dc.ProblemText, dc.ProblemType)
	return Detection{
		Detected:   res.ContainsAnswer,
		Confidence: res.Confidence,
		Reasoning:  res.Reasoning,
	}, nil
}

// ValidateResponseForAnswers never returns an error: an unavailable or
// malformed judgment yields ContainsAnswer=true with confidence 0.5.
func (d *SemanticDetector) ValidateResponseForAnswers(ctx context.Context, responseText, problemText string, problemType domain.ProblemType) SemanticResult {
	raw, err := d.llm.Complete(ctx, completion.Request{
		SystemPrompt: leakJudgePrompt(),
		Messages: []domain.ChatMessage{
			domain.UserMessage(leakJudgeInput(responseText, problemText, problemType)),
		},
		Temperature: 0,
		MaxTokens:   300,
		JSONMode:    true,
		Schema:      leakSchema,
	})
	if err != nil {
		return d.failClosed(ctx, "judgment unavailable", err)
	}

	var j leakJudgment
	if err := completion.DecodeJSON(raw, &j); err != nil {
		return d.failClosed(ctx, "judgment malformed", err)
	}
	if j.ContainsDirectAnswer == nil || j.RevealsSolution == nil || j.Confidence == nil {
		return d.failClosed(ctx, "judgment incomplete", errors.New("missing required field"))
	}

	return SemanticResult{
		ContainsAnswer: *j.ContainsDirectAnswer || *j.RevealsSolution,
		Confidence:     clamp01(*j.Confidence),
		Reasoning:      strings.TrimSpace(j.Reasoning),
	}
}

func (d *SemanticDetector) failClosed(ctx context.Context, reason string, err error) SemanticResult {
	observability.LoggerFromContext(ctx, d.logger).Warn("semantic leak check failed closed", "reason", reason, "err", err)
	return SemanticResult{
		ContainsAnswer: true,
		Confidence:     failClosedConfidence,
		Reasoning:      fmt.Sprintf("%s; treated as containing the answer", reason),
	}
}

func leakJudgePrompt() string {
	return strings.Join([]string{
		"You review messages written by a math tutor before a student sees them.",
		"Answer two questions about the tutor message:",
		"- containsDirectAnswer: does it state the final answer or the value of an unknown?",
		"- revealsSolution: could the student get the answer from it without doing the remaining work?",
		"Asking guiding questions, restating the problem and naming a general strategy are allowed.",
		"Return JSON only with keys containsDirectAnswer, revealsSolution, confidence and reasoning.",
	}, "\n")
}

func leakJudgeInput(responseText, problemText string, problemType domain.ProblemType) string {
	return fmt.Sprintf("Problem (%s):\n%s\n\nTutor message:\n%s",
		problemType, strings.TrimSpace(problemText), strings.TrimSpace(responseText))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
