// Package answercheck judges a student's submitted answer. Any doubt is
// reported as incorrect.
package answercheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
)

const failClosedConfidence = 0.5

var (
	answerPrefix   = regexp.MustCompile(`(?i)^\s*(?:the\s+answer\s+is|my\s+answer\s+is|answer\s*:|it'?s|it\s+is)\s*:?\s*`)
	spaceAroundEq  = regexp.MustCompile(`\s*=\s*`)
	trailingPeriod = regexp.MustCompile(`[.!]+$`)
)

type Input struct {
	StudentAnswer string
	ProblemText   string
	ProblemType   domain.ProblemType
}

type Result struct {
	IsCorrect  bool    `json:"isCorrect"`
	IsPartial  bool    `json:"isPartial,omitempty"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ValidationResult collapses the verdict into correct, partial or incorrect.
func (r Result) ValidationResult() domain.ValidationResult {
	switch {
	case r.IsCorrect:
		return domain.ResultCorrect
	case r.IsPartial:
		return domain.ResultPartial
	default:
		return domain.ResultIncorrect
	}
}

type judgment struct {
	IsCorrect  *bool    `json:"isCorrect" jsonschema:"description=True only if the student answer is mathematically equivalent to the correct answer"`
	IsPartial  *bool    `json:"isPartial" jsonschema:"description=True if the answer is on the right track but incomplete"`
	Confidence *float64 `json:"confidence" jsonschema:"description=Confidence in this judgment from 0 to 1"`
	Feedback   string   `json:"feedback" jsonschema:"description=Short encouraging feedback that does not reveal the correct answer"`
	Reasoning  string   `json:"reasoning" jsonschema:"description=Brief explanation of the judgment"`
}

var judgmentSchema = completion.MustSchemaFor[judgment]("answer_check",
	"Judgment of whether a student answer to a math problem is correct")

// Checker compares a student answer against the problem via the completion
// service.
type Checker struct {
	llm    completion.Completer
	logger *slog.Logger
}

func NewChecker(llm completion.Completer, logger *slog.Logger) (*Checker, error) {
	if llm == nil {
		return nil, errors.New("answercheck: completer must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &Checker{llm: llm, logger: logger}, nil
}

// Policy reports that failures resolve to "incorrect".
func (c *Checker) Policy() domain.FailurePolicy {
	return domain.FailClosed
}

// CheckAnswer never returns an error. An answer is only reported correct
// when the judgment explicitly says so.
func (c *Checker) CheckAnswer(ctx context.Context, in Input) Result {
	answer := NormalizeAnswer(in.StudentAnswer)
	if answer == "" {
		return c.failClosed(ctx, "empty answer", errors.New("student answer is empty"))
	}

	raw, err := c.llm.Complete(ctx, completion.Request{
		SystemPrompt: checkerPrompt(),
		Messages: []domain.ChatMessage{
			domain.UserMessage(checkerInput(answer, in.ProblemText, in.ProblemType)),
		},
		Temperature: 0,
		MaxTokens:   300,
		JSONMode:    true,
		Schema:      judgmentSchema,
	})
	if err != nil {
		return c.failClosed(ctx, fmt.Sprintf("answer check unavailable (%s)", completion.Classify(err)), err)
	}

	var j judgment
	if err := completion.DecodeJSON(raw, &j); err != nil {
		return c.failClosed(ctx, "answer check returned malformed judgment", err)
	}
	if j.IsCorrect == nil {
		return c.failClosed(ctx, "answer check judgment missing isCorrect", errors.New("missing isCorrect"))
	}

	res := Result{
		IsCorrect:  *j.IsCorrect,
		Confidence: failClosedConfidence,
		Feedback:   strings.TrimSpace(j.Feedback),
		Reasoning:  strings.TrimSpace(j.Reasoning),
	}
	if j.IsPartial != nil {
		res.IsPartial = *j.IsPartial && !res.IsCorrect
	}
	if j.Confidence != nil {
		res.Confidence = clamp01(*j.Confidence)
	}
	return res
}

func (c *Checker) failClosed(ctx context.Context, reason string, err error) Result {
	observability.LoggerFromContext(ctx, c.logger).Warn("answer check failed closed", "reason", reason, "err", err)
	return Result{
		IsCorrect:  false,
		Confidence: failClosedConfidence,
		Reasoning:  reason + "; treated as incorrect",
	}
}

// NormalizeAnswer strips conversational prefixes and tightens spacing around
// "=" so "The answer is x = 5." becomes "x=5".
func NormalizeAnswer(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	s = answerPrefix.ReplaceAllString(s, "")
	s = spaceAroundEq.ReplaceAllString(s, "=")
	s = trailingPeriod.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func checkerPrompt() string {
	return strings.Join([]string{
		"You grade a student's answer to a math problem.",
		"Solve the problem yourself, then compare.",
		"Accept equivalent forms: numbers written as words, fractions and decimals, rearranged equations, units omitted.",
		"Set isPartial when the work is on the right track but the answer is incomplete, for example one of two solutions.",
		"Never put the correct answer in feedback.",
		"Return JSON only with keys isCorrect, isPartial, confidence, feedback and reasoning.",
	}, "\n")
}

func checkerInput(answer, problemText string, problemType domain.ProblemType) string {
	return fmt.Sprintf("Problem (%s):\n%s\n\nStudent answer:\n%s", problemType, strings.TrimSpace(problemText), answer)
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
