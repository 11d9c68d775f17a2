package flows

import (
	"regexp"

	"socratic-tutor/internal/domain"
)

// branch describes one message flow: the synthetic student turn, the
// dialogue settings and the tone rules for its reply.
type branch struct {
	name      string
	synthetic string
	system    string
	helpLevel domain.HelpLevel
	rules     RuleSet
	fallback  string
}

var (
	numberedList = regexp.MustCompile(`(?m)(^|\s)\d+[.)](\s|$|\pL)`)
	remedial     = regexp.MustCompile(`(?i)(break (it|this|that) down|step[- ]by[- ]step|let's (go|walk) through|first,? (you|we) (need|should))`)
	celebratory  = regexp.MustCompile(`(?i)\b(great|excellent|well done|nice|awesome|fantastic|congratulations|you got it)\b`)
	togetherness = regexp.MustCompile(`(?i)\btogether\b`)
	progressAck  = regexp.MustCompile(`(?i)(progress|right track|good start|partly|part of it|close)`)
	stepFraming  = regexp.MustCompile(`(?i)step[- ]by[- ]step`)
	welcoming    = regexp.MustCompile(`(?i)\b(welcome|hi|hello|hey)\b`)
	gentleNudge  = regexp.MustCompile(`(?i)(take your time|no rush|whenever you're ready)`)
	stepOffer    = regexp.MustCompile(`(?i)\bstep\b`)
	helpOffer    = regexp.MustCompile(`(?i)\bhelp\b`)
)

const (
	correctCelebration  = "Great job, you solved it on your own! What part of the problem felt easiest once you saw how to approach it?"
	correctSystemPrompt = "The student just answered the problem correctly. Celebrate briefly and warmly. " +
		"Do not re-teach. Do not list steps or restate the answer. " +
		"End with one reflective question about how they solved it."
)

var followUpBranches = map[domain.ValidationResult]branch{
	domain.ResultCorrect: {
		name:      "follow_up_correct",
		synthetic: "I submitted my answer and it was marked correct.",
		system:    correctSystemPrompt,
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "no_numbered_steps", Action: ActionReplaceAll, Pattern: numberedList, Text: correctCelebration},
			{Name: "no_remedial_language", Action: ActionStrip, Pattern: remedial},
			{Name: "celebrate", Action: ActionRequire, Pattern: celebratory, Text: "Great job!"},
		},
		fallback: "Excellent work, you solved it! What strategy helped you the most?",
	},
	domain.ResultIncorrect: {
		name:      "follow_up_incorrect",
		synthetic: "I answered {answer} but it was marked incorrect. Can we work through it together?",
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "offer_together", Action: ActionRequire, Pattern: togetherness, Text: "Let's work through it together."},
			{Name: "reference_answer", Action: ActionRequire, Phrase: "{answer}", Text: "You answered {answer}, which isn't quite right yet."},
		},
		fallback: "That's not quite it, but it was a good attempt. What was the first thing you did?",
	},
	domain.ResultPartial: {
		name:      "follow_up_partial",
		synthetic: "I answered {answer} and it was marked partially correct.",
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "acknowledge_progress", Action: ActionRequire, Pattern: progressAck, Text: "You're making good progress!"},
		},
		fallback: "You're making good progress! Which part of the problem do you still need to finish?",
	},
}

var guidanceBranch = branch{
	name:      "step_by_step",
	synthetic: "Can you guide me through this problem step by step?",
	helpLevel: domain.HelpEscalated,
	rules: RuleSet{
		{Name: "frame_step_by_step", Action: ActionRequire, Pattern: stepFraming, Text: "Let's work through this step by step."},
	},
	fallback: "Let's work through this step by step. What is the problem asking you to find?",
}

var greetingBranches = map[Stage]branch{
	StageInitial: {
		name:      "greeting_initial",
		synthetic: "Hi! I'm starting this problem now.",
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "welcome", Action: ActionRequire, Pattern: welcoming, Text: "Hi there, welcome!"},
		},
		fallback: "Hi there, welcome! Take a look at the problem. What do you notice first?",
	},
	StageFollowUp1: {
		name:      "greeting_follow_up_1",
		synthetic: "I'm still reading the problem.",
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "gentle_nudge", Action: ActionRequire, Pattern: gentleNudge, Text: "Take your time."},
		},
		fallback: "Take your time. What information does the problem give you?",
	},
	StageFollowUp2: {
		name:      "greeting_follow_up_2",
		synthetic: "I'm not sure how to begin.",
		helpLevel: domain.HelpNormal,
		rules: RuleSet{
			{Name: "offer_step", Action: ActionRequire, Pattern: stepOffer, Text: "We can take it one step at a time."},
		},
		fallback: "We can take it one step at a time. What is the question asking for?",
	},
	StageFollowUp3: {
		name:      "greeting_follow_up_3",
		synthetic: "I'm stuck and I'd like some help getting started.",
		helpLevel: domain.HelpEscalated,
		rules: RuleSet{
			{Name: "offer_help", Action: ActionRequire, Pattern: helpOffer, Text: "I'm here to help."},
		},
		fallback: "I'm here to help. Would you like a hint about where to start?",
	},
}
