package domain

import (
	"fmt"
	"strings"
)

// ProblemType classifies a math problem. The set is closed.
type ProblemType string

const (
	ProblemArithmetic ProblemType = "arithmetic"
	ProblemAlgebra    ProblemType = "algebra"
	ProblemGeometry   ProblemType = "geometry"
	ProblemWord       ProblemType = "word"
	ProblemMultiStep  ProblemType = "multi-step"
)

var problemTypes = []ProblemType{
	ProblemArithmetic,
	ProblemAlgebra,
	ProblemGeometry,
	ProblemWord,
	ProblemMultiStep,
}

// ParseProblemType accepts the canonical names case-insensitively.
func ParseProblemType(s string) (ProblemType, error) {
	v := ProblemType(strings.ToLower(strings.TrimSpace(s)))
	for _, pt := range problemTypes {
		if pt == v {
			return pt, nil
		}
	}
	return "", fmt.Errorf("domain: unknown problem type %q", s)
}

// Problem is the math problem a session is working on.
type Problem struct {
	Text string      `json:"text"`
	Type ProblemType `json:"type"`
}

// Same reports whether two problems refer to the same exercise.
func (p Problem) Same(other Problem) bool {
	return normalizeProblemText(p.Text) == normalizeProblemText(other.Text) && p.Type == other.Type
}

func normalizeProblemText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
