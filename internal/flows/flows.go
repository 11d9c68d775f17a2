// Package flows builds the specialised tutor turns that follow an answer
// check, offer step-by-step guidance or greet a student. Every reply passes
// through the answer-blocking orchestrator before it is returned.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/guard"
	"socratic-tutor/internal/observability"
)

// Dialogue is the generator the flows drive.
type Dialogue interface {
	Generate(ctx context.Context, req dialogue.Request) (dialogue.Response, error)
}

// Blocker is the leak-prevention pass every flow ends with.
type Blocker interface {
	BlockAndRewrite(ctx context.Context, responseText, problemText string, problemType domain.ProblemType, history []domain.ChatMessage, opts ...guard.RewriteOption) guard.BlockingResult
}

type Problem struct {
	Text    string
	Type    domain.ProblemType
	History []domain.ChatMessage
}

// Output is a finished flow reply.
type Output struct {
	Text      string
	HelpLevel domain.HelpLevel
	// Fallback is true when generation failed and the canned reply was used.
	Fallback bool
	Blocking guard.BlockingResult
}

type Generator struct {
	dialogue Dialogue
	blocker  Blocker
	logger   *slog.Logger
}

func NewGenerator(d Dialogue, b Blocker, logger *slog.Logger) (*Generator, error) {
	if d == nil {
		return nil, errors.New("flows: dialogue must not be nil")
	}
	if b == nil {
		return nil, errors.New("flows: blocker must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &Generator{dialogue: d, blocker: b, logger: logger}, nil
}

// GenerateFollowUp replies to the outcome of an answer check.
func (g *Generator) GenerateFollowUp(ctx context.Context, p Problem, v domain.AnswerValidationContext) (Output, error) {
	b, ok := followUpBranches[v.Result]
	if !ok {
		return Output{}, fmt.Errorf("flows: unknown validation result %q", v.Result)
	}
	return g.run(ctx, b, p, Vars{"answer": strings.TrimSpace(v.StudentAnswer)}), nil
}

// GenerateStepByStepGuidance always uses escalated help.
func (g *Generator) GenerateStepByStepGuidance(ctx context.Context, p Problem) Output {
	return g.run(ctx, guidanceBranch, p, nil)
}

// GenerateInitialGreeting produces the greeting for stage.
func (g *Generator) GenerateInitialGreeting(ctx context.Context, p Problem, stage Stage) (Output, error) {
	b, ok := greetingBranches[stage]
	if !ok {
		return Output{}, fmt.Errorf("flows: unknown greeting stage %q", stage)
	}
	return g.run(ctx, b, p, nil), nil
}

// run generates the reply, removes forbidden content, sends it through the
// blocker and then applies the full rule set to the approved text. A blocked
// draft is regenerated from the same flow turn and system prompt.
func (g *Generator) run(ctx context.Context, b branch, p Problem, vars Vars) Output {
	log := observability.LoggerFromContext(ctx, g.logger).With("flow", b.name)
	out := Output{HelpLevel: b.helpLevel}

	draft := ""
	student := render(b.synthetic, vars)
	resp, err := g.dialogue.Generate(ctx, dialogue.Request{
		ProblemText:    p.Text,
		ProblemType:    p.Type,
		StudentMessage: student,
		History:        p.History,
		HelpLevel:      b.helpLevel,
		SystemOverride: b.system,
	})
	if err != nil {
		log.Warn("flow generation failed, using fallback", "err", err)
	} else {
		draft = b.rules.Forbidding().Apply(resp.Text, vars)
	}
	if draft == "" {
		draft = b.fallback
		out.Fallback = true
	}

	out.Blocking = g.blocker.BlockAndRewrite(ctx, draft, p.Text, p.Type, p.History, guard.WithRewriteTurn(student, b.system))
	out.Text = b.rules.Apply(out.Blocking.Final(), vars)
	if out.Text == "" {
		out.Text = b.rules.Apply(b.fallback, vars)
		out.Fallback = true
	}
	return out
}
