package flows

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the progressive greeting prompt type.
type Stage string

const (
	StageInitial   Stage = "initial"
	StageFollowUp1 Stage = "follow-up-1"
	StageFollowUp2 Stage = "follow-up-2"
	StageFollowUp3 Stage = "follow-up-3"
)

// ParseStage accepts the canonical prompt type names case-insensitively.
func ParseStage(s string) (Stage, error) {
	switch v := Stage(strings.ToLower(strings.TrimSpace(s))); v {
	case StageInitial, StageFollowUp1, StageFollowUp2, StageFollowUp3:
		return v, nil
	default:
		return "", fmt.Errorf("flows: unknown prompt type %q", s)
	}
}

// stageTransitions maps each stage to the next one and the idle time that
// triggers it.
var stageTransitions = map[Stage]struct {
	next  Stage
	after time.Duration
}{
	StageInitial:   {next: StageFollowUp1, after: 30 * time.Second},
	StageFollowUp1: {next: StageFollowUp2, after: 60 * time.Second},
	StageFollowUp2: {next: StageFollowUp3, after: 120 * time.Second},
}

// GreetingMachine tracks which greeting a client should request next. Idle
// time advances the stage; any student activity stops further greetings
// until Reset. It is not safe for concurrent use.
type GreetingMachine struct {
	stage   Stage
	idle    time.Duration
	engaged bool
}

func NewGreetingMachine() *GreetingMachine {
	return &GreetingMachine{stage: StageInitial}
}

func (m *GreetingMachine) Stage() Stage {
	return m.stage
}

// Engaged reports whether the student has interacted since the last Reset.
func (m *GreetingMachine) Engaged() bool {
	return m.engaged
}

// NextIn returns the idle time left before the next stage fires.
func (m *GreetingMachine) NextIn() (time.Duration, bool) {
	t, ok := stageTransitions[m.stage]
	if !ok || m.engaged {
		return 0, false
	}
	return max(t.after-m.idle, 0), true
}

// Elapse records idle time and reports the new stage when a transition fires.
// At most one transition happens per call.
func (m *GreetingMachine) Elapse(d time.Duration) (Stage, bool) {
	t, ok := stageTransitions[m.stage]
	if !ok || m.engaged || d <= 0 {
		return m.stage, false
	}
	m.idle += d
	if m.idle < t.after {
		return m.stage, false
	}
	m.stage = t.next
	m.idle = 0
	return m.stage, true
}

// StudentActivity cancels pending greetings.
func (m *GreetingMachine) StudentActivity() {
	m.engaged = true
	m.idle = 0
}

// Reset starts over from the initial greeting, e.g. for a new problem.
func (m *GreetingMachine) Reset() {
	m.stage = StageInitial
	m.idle = 0
	m.engaged = false
}
