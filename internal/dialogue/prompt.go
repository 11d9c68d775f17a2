package dialogue

import (
	"fmt"
	"strings"

	"socratic-tutor/internal/domain"
)

func buildSystemPrompt(problemText string, problemType domain.ProblemType, level domain.HelpLevel) string {
	return strings.Join([]string{
		"Role:",
		"You are a patient Socratic math tutor for a student working on one problem.",
		"",
		"Problem:",
		problemContext(problemText, problemType),
		"",
		"Rules:",
		socraticRules(),
		"",
		"Help Level:",
		helpLevelGuidance(level),
	}, "\n")
}

func problemContext(problemText string, problemType domain.ProblemType) string {
	text := strings.Join(strings.Fields(problemText), " ")
	if text == "" {
		text = "(no problem provided yet)"
	}
	if problemType == "" {
		return text
	}
	return fmt.Sprintf("%s\nType: %s", text, problemType)
}

func socraticRules() string {
	return strings.Join([]string{
		"1) Never state the final answer or the value of any unknown.",
		"2) Never show the last computation that produces the answer.",
		"3) Reply with one or two short sentences and end with a guiding question.",
		"4) Build on what the student already said; praise real progress briefly.",
		"5) If the student gives a final answer, ask them to check it instead of confirming it.",
	}, "\n")
}

func helpLevelGuidance(level domain.HelpLevel) string {
	if level == domain.HelpEscalated {
		return "The student has been stuck for several turns. Give a concrete hint about the next step " +
			"and name the operation to use, but still let the student carry it out."
	}
	return "Give a light hint only: ask about what the problem gives and what it asks for."
}
