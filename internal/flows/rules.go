package flows

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Action is what a Rule does to a reply.
type Action string

const (
	// ActionStrip removes every sentence the rule matches.
	ActionStrip Action = "strip"
	// ActionReplaceAll swaps the whole reply for Text when the rule matches.
	ActionReplaceAll Action = "replace_all"
	// ActionRequire inserts Text unless the reply already matches.
	ActionRequire Action = "require"
)

// Vars are substituted into rule phrases and texts as {name}.
type Vars map[string]string

// Rule is one declarative post-processing step. Require rules match on
// Pattern, or on Phrase rendered with Vars and compared case-insensitively.
type Rule struct {
	Name    string
	Action  Action
	Pattern *regexp.Regexp
	Phrase  string
	Text    string
	Append  bool
}

// RuleSet is applied in order.
type RuleSet []Rule

var sentencePattern = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|$)`)

// Apply runs every rule against text.
func (rs RuleSet) Apply(text string, vars Vars) string {
	text = strings.TrimSpace(text)
	for _, r := range rs {
		switch r.Action {
		case ActionStrip:
			text = stripSentences(text, r.Pattern)
		case ActionReplaceAll:
			if r.Pattern != nil && r.Pattern.MatchString(text) {
				text = render(r.Text, vars)
			}
		case ActionRequire:
			if r.satisfied(text, vars) {
				continue
			}
			insert := render(r.Text, vars)
			text = lo.Ternary(r.Append, joinText(text, insert), joinText(insert, text))
		}
	}
	return text
}

// Forbidding returns only the rules that remove content.
func (rs RuleSet) Forbidding() RuleSet {
	return lo.Filter(rs, func(r Rule, _ int) bool { return r.Action != ActionRequire })
}

func (r Rule) satisfied(text string, vars Vars) bool {
	if r.Pattern != nil {
		return r.Pattern.MatchString(text)
	}
	phrase := render(r.Phrase, vars)
	if phrase == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}

func stripSentences(text string, pattern *regexp.Regexp) string {
	if pattern == nil || !pattern.MatchString(text) {
		return text
	}
	kept := lo.Filter(sentencePattern.FindAllString(text, -1), func(s string, _ int) bool {
		return strings.TrimSpace(s) != "" && !pattern.MatchString(s)
	})
	return strings.Join(lo.Map(kept, func(s string, _ int) string { return strings.TrimSpace(s) }), " ")
}

func render(s string, vars Vars) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return strings.TrimSpace(s)
}

func joinText(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}
