package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"

	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/observability"
)

const (
	// FallbackResponse replaces any response that could not be rewritten.
	FallbackResponse = "Let's think about this step by step. What do you think we should consider first?"

	defaultRewritePrompt = "Can you help me figure out what to do next?"
)

// Rewriter regenerates a tutor turn. *dialogue.Generator satisfies it.
type Rewriter interface {
	Generate(ctx context.Context, req dialogue.Request) (dialogue.Response, error)
}

// BlockingResult is the outcome of one blockAndRewrite pass.
type BlockingResult struct {
	Blocked           bool    `json:"blocked"`
	OriginalResponse  string  `json:"originalResponse"`
	RewrittenResponse string  `json:"rewrittenResponse,omitempty"`
	DetectionMethod   Method  `json:"detectionMethod"`
	Confidence        float64 `json:"confidence"`
}

// Final returns the text that may be shown to the student.
func (r BlockingResult) Final() string {
	if r.Blocked {
		return r.RewrittenResponse
	}
	return r.OriginalResponse
}

// RewriteOption adjusts how a blocked response is regenerated.
type RewriteOption func(*rewriteTurn)

type rewriteTurn struct {
	studentMessage string
	systemOverride string
}

// WithRewriteTurn regenerates from studentMessage under system instead of the
// newest student turn and the Socratic prompt. An empty system keeps the
// Socratic prompt.
func WithRewriteTurn(studentMessage, system string) RewriteOption {
	return func(t *rewriteTurn) {
		t.studentMessage = studentMessage
		t.systemOverride = system
	}
}

// Orchestrator runs every detector, ORs their verdicts and regenerates
// flagged responses.
type Orchestrator struct {
	detectors []Detector
	rewriter  Rewriter
	logger    *slog.Logger
}

func NewOrchestrator(rewriter Rewriter, logger *slog.Logger, detectors ...Detector) (*Orchestrator, error) {
	if rewriter == nil {
		return nil, errors.New("guard: rewriter must not be nil")
	}
	if len(detectors) == 0 {
		return nil, errors.New("guard: at least one detector is required")
	}
	if lo.Contains(detectors, nil) {
		return nil, errors.New("guard: detector must not be nil")
	}
	if logger == nil {
		logger = observability.Logger()
	}
	return &Orchestrator{detectors: detectors, rewriter: rewriter, logger: logger}, nil
}

// Policy reports that the orchestrator withholds on failure.
func (o *Orchestrator) Policy() domain.FailurePolicy {
	return domain.FailClosed
}

type detectorOutcome struct {
	method    Method
	detection Detection
	err       error
}

// BlockAndRewrite never returns an error. A detector that fails is left out
// of the verdict; a panic anywhere yields a blocked result carrying
// FallbackResponse.
func (o *Orchestrator) BlockAndRewrite(ctx context.Context, responseText, problemText string, problemType domain.ProblemType, history []domain.ChatMessage, opts ...RewriteOption) (result BlockingResult) {
	log := observability.LoggerFromContext(ctx, o.logger)
	defer func() {
		if r := recover(); r != nil {
			log.Error("answer blocking panicked, withholding response", "panic", fmt.Sprint(r))
			result = BlockingResult{
				Blocked:           true,
				OriginalResponse:  responseText,
				RewrittenResponse: FallbackResponse,
				DetectionMethod:   MethodNone,
				Confidence:        1,
			}
		}
	}()

	outcomes := o.runDetectors(ctx, responseText, DetectionContext{ProblemText: problemText, ProblemType: problemType})

	var fired []Method
	var confidence float64
	for _, out := range outcomes {
		if out.err != nil {
			log.Warn("leak detector failed, excluded from verdict", "method", out.method, "err", out.err)
			continue
		}
		confidence = max(confidence, out.detection.Confidence)
		if out.detection.Detected {
			fired = append(fired, out.method)
		}
	}

	result = BlockingResult{
		Blocked:          len(fired) > 0,
		OriginalResponse: responseText,
		DetectionMethod:  combineMethods(fired),
		Confidence:       confidence,
	}
	if !result.Blocked {
		return result
	}

	log.Info("answer leak blocked", "method", result.DetectionMethod, "confidence", result.Confidence)
	var turn rewriteTurn
	for _, opt := range opts {
		opt(&turn)
	}
	result.RewrittenResponse = o.rewrite(ctx, problemText, problemType, history, turn)
	return result
}

func (o *Orchestrator) runDetectors(ctx context.Context, text string, dc DetectionContext) []detectorOutcome {
	outcomes := make([]detectorOutcome, len(o.detectors))
	var wg sync.WaitGroup
	for i, d := range o.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			outcomes[i] = runDetector(ctx, d, text, dc)
		}(i, d)
	}
	wg.Wait()
	return outcomes
}

func runDetector(ctx context.Context, d Detector, text string, dc DetectionContext) (out detectorOutcome) {
	out.method = d.Method()
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("guard: %s detector panicked: %v", out.method, r)
		}
	}()
	out.detection, out.err = d.Detect(ctx, text, dc)
	return out
}

// rewrite regenerates at normal help. Without an explicit turn the newest
// student message becomes the prompt and only the history before it is sent.
func (o *Orchestrator) rewrite(ctx context.Context, problemText string, problemType domain.ProblemType, history []domain.ChatMessage, turn rewriteTurn) string {
	prompt, prior := turn.studentMessage, history
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultRewritePrompt
		if last, idx, ok := lo.FindLastIndexOf(history, func(m domain.ChatMessage) bool {
			return m.Role == domain.RoleUser && strings.TrimSpace(m.Content) != ""
		}); ok {
			prompt, prior = last.Content, history[:idx]
		}
	}

	resp, err := o.rewriter.Generate(ctx, dialogue.Request{
		ProblemText:    problemText,
		ProblemType:    problemType,
		StudentMessage: prompt,
		History:        prior,
		HelpLevel:      domain.HelpNormal,
		SystemOverride: turn.systemOverride,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		observability.LoggerFromContext(ctx, o.logger).Warn("rewrite failed, using fallback", "err", err)
		return FallbackResponse
	}
	return resp.Text
}

func combineMethods(fired []Method) Method {
	switch len(lo.Uniq(fired)) {
	case 0:
		return MethodNone
	case 1:
		return fired[0]
	default:
		return MethodBoth
	}
}
