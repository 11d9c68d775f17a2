package guard

import (
	"context"
	"math"
	"regexp"

	"github.com/samber/lo"

	"socratic-tutor/internal/domain"
)

// PatternKind separates explicit disclosure from phrasing that only implies
// a result.
type PatternKind string

const (
	PatternDirect   PatternKind = "direct"
	PatternImplicit PatternKind = "implicit"
)

// Pattern is one entry of the keyword table.
type Pattern struct {
	Name string
	Kind PatternKind
	Re   *regexp.Regexp
}

// DefaultPatterns is the built-in answer-disclosure table.
var DefaultPatterns = []Pattern{
	{Name: "answer_phrase", Kind: PatternDirect, Re: regexp.MustCompile(`(?i)\bthe answer is\b`)},
	{Name: "equals_word", Kind: PatternDirect, Re: regexp.MustCompile(`(?i)\b(equals|is equal to)\b`)},
	{Name: "trailing_number", Kind: PatternDirect, Re: regexp.MustCompile(`(?:^|[^\w.])-?\d+(?:\.\d+)?\s*[.!]?\s*$`)},
	{Name: "bare_fraction", Kind: PatternDirect, Re: regexp.MustCompile(`(?:^|\s)-?\d+\s*/\s*\d+(?:\s|[.!?,]|$)`)},
	{Name: "variable_assignment", Kind: PatternDirect, Re: regexp.MustCompile(`(?i)\b[a-z]\s*=\s*-?\d+(?:\.\d+)?\b`)},
	{Name: "therefore_answer", Kind: PatternDirect, Re: regexp.MustCompile(`(?i)\b(therefore|thus|so)\b[^.?!]*\b(answer|solution)\s+is\b`)},
	{Name: "implicit_result", Kind: PatternImplicit, Re: regexp.MustCompile(`(?i)\b(you get|you have|the result is)\b`)},
	{Name: "equals_number", Kind: PatternImplicit, Re: regexp.MustCompile(`=\s*-?\d+(?:\.\d+)?\b`)},
}

// KeywordDetector scans text against a pattern table. It makes no external
// calls.
type KeywordDetector struct {
	patterns []Pattern
}

// NewKeywordDetector uses DefaultPatterns followed by any extra patterns.
func NewKeywordDetector(extra ...Pattern) *KeywordDetector {
	patterns := make([]Pattern, 0, len(DefaultPatterns)+len(extra))
	patterns = append(patterns, DefaultPatterns...)
	patterns = append(patterns, extra...)
	return &KeywordDetector{patterns: patterns}
}

func (d *KeywordDetector) Method() Method { return MethodKeyword }

func (d *KeywordDetector) Policy() domain.FailurePolicy { return domain.FailClosed }

func (d *KeywordDetector) Detect(_ context.Context, text string, _ DetectionContext) (Detection, error) {
	return d.DetectDirectAnswers(text), nil
}

// DetectDirectAnswers reports every matching pattern. Confidence starts at
// 0.7 and grows by 0.2 per direct and 0.1 per implicit hit, capped at 1.
func (d *KeywordDetector) DetectDirectAnswers(text string) Detection {
	hits := lo.Filter(d.patterns, func(p Pattern, _ int) bool {
		return p.Re.MatchString(text)
	})
	if len(hits) == 0 {
		return Detection{}
	}
	direct := lo.CountBy(hits, func(p Pattern) bool { return p.Kind == PatternDirect })
	implicit := len(hits) - direct
	return Detection{
		Detected:   true,
		Confidence: math.Min(1.0, 0.7+0.2*float64(direct)+0.1*float64(implicit)),
		Patterns:   lo.Map(hits, func(p Pattern, _ int) string { return p.Name }),
	}
}
