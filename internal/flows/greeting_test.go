package flows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGreetingMachine_AdvancesOnIdle(t *testing.T) {
	m := NewGreetingMachine()
	require.Equal(t, StageInitial, m.Stage())

	left, ok := m.NextIn()
	require.True(t, ok)
	require.Equal(t, 30*time.Second, left)

	_, fired := m.Elapse(20 * time.Second)
	require.False(t, fired)
	left, _ = m.NextIn()
	require.Equal(t, 10*time.Second, left)

	stage, fired := m.Elapse(10 * time.Second)
	require.True(t, fired)
	require.Equal(t, StageFollowUp1, stage)

	stage, fired = m.Elapse(60 * time.Second)
	require.True(t, fired)
	require.Equal(t, StageFollowUp2, stage)

	_, fired = m.Elapse(119 * time.Second)
	require.False(t, fired)
	stage, fired = m.Elapse(time.Second)
	require.True(t, fired)
	require.Equal(t, StageFollowUp3, stage)

	_, fired = m.Elapse(time.Hour)
	require.False(t, fired)
	_, ok = m.NextIn()
	require.False(t, ok)
}

func TestGreetingMachine_OneTransitionPerCall(t *testing.T) {
	m := NewGreetingMachine()
	stage, fired := m.Elapse(10 * time.Minute)
	require.True(t, fired)
	require.Equal(t, StageFollowUp1, stage)
}

func TestGreetingMachine_StudentActivityStopsAndResetRestarts(t *testing.T) {
	m := NewGreetingMachine()
	m.Elapse(30 * time.Second)
	m.StudentActivity()
	require.True(t, m.Engaged())

	_, fired := m.Elapse(5 * time.Minute)
	require.False(t, fired)
	require.Equal(t, StageFollowUp1, m.Stage())

	m.Reset()
	require.False(t, m.Engaged())
	require.Equal(t, StageInitial, m.Stage())
	_, fired = m.Elapse(30 * time.Second)
	require.True(t, fired)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Follow-Up-2 ")
	require.NoError(t, err)
	require.Equal(t, StageFollowUp2, s)

	_, err = ParseStage("follow-up-4")
	require.Error(t, err)
}
