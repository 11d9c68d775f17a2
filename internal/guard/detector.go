// Package guard keeps generated tutor text from revealing the solution. Two
// detectors judge a draft and the Orchestrator replaces anything flagged.
package guard

import (
	"context"

	"socratic-tutor/internal/domain"
)

// Method names the detector that flagged a response.
type Method string

const (
	MethodKeyword Method = "keyword"
	MethodLLM     Method = "llm"
	MethodBoth    Method = "both"
	MethodNone    Method = "none"
)

// DetectionContext is the problem a draft response is judged against.
type DetectionContext struct {
	ProblemText string
	ProblemType domain.ProblemType
}

// Detection is the uniform result of every detector.
type Detection struct {
	Detected   bool     `json:"detected"`
	Confidence float64  `json:"confidence"`
	Patterns   []string `json:"patterns,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Detector judges whether text discloses the answer.
type Detector interface {
	Method() Method
	Policy() domain.FailurePolicy
	Detect(ctx context.Context, text string, dc DetectionContext) (Detection, error)
}
