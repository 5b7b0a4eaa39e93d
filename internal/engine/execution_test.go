package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/beacon/internal/trigger"
	"github.com/syntrixbase/beacon/internal/workflow"
)

func newTestExecution(observer func(*Execution, Step)) *Execution {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := trigger.Fired{WorkflowID: "wf-1", Kind: workflow.TriggerPageView, At: at}
	return newExecution(f, func() time.Time { return at }, observer)
}

func TestExecution_HappyPath(t *testing.T) {
	var seen []State
	x := newTestExecution(func(_ *Execution, s Step) { seen = append(seen, s.To) })

	assert.Equal(t, StateIdle, x.State)
	assert.NotEmpty(t, x.ID)

	for _, to := range []State{StateFired, StateConditionsPassed, StateFrequencyAllowed, StateExecuting, StateCompleted} {
		require.NoError(t, x.Transition(to, ""))
	}
	assert.Equal(t, []State{StateFired, StateConditionsPassed, StateFrequencyAllowed, StateExecuting, StateCompleted}, seen)
	assert.True(t, x.State.Terminal())
	assert.Len(t, x.History, 5)
	assert.Equal(t, StateIdle, x.History[0].From)
}

func TestExecution_IllegalEdges(t *testing.T) {
	tests := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip to executing", nil, StateExecuting},
		{"idle to rejected", nil, StateRejected},
		{"fired to frequency", []State{StateFired}, StateFrequencyAllowed},
		{"allowed cannot be rejected", []State{StateFired, StateConditionsPassed, StateFrequencyAllowed}, StateRejected},
		{"executing cannot go back", []State{StateFired, StateConditionsPassed, StateFrequencyAllowed, StateExecuting}, StateFired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newTestExecution(nil)
			for _, s := range tt.path {
				require.NoError(t, x.Transition(s, ""))
			}
			before := x.State
			assert.ErrorIs(t, x.Transition(tt.bad, ""), ErrIllegalTransition)
			assert.Equal(t, before, x.State)
		})
	}
}

func TestExecution_TerminalStatesAbsorb(t *testing.T) {
	for _, final := range []State{StateCompleted, StateFailed, StateRejected} {
		t.Run(string(final), func(t *testing.T) {
			x := newTestExecution(nil)
			switch final {
			case StateRejected:
				require.NoError(t, x.Transition(StateFired, ""))
				require.NoError(t, x.Transition(StateRejected, "condition url_path"))
			default:
				for _, s := range []State{StateFired, StateConditionsPassed, StateFrequencyAllowed, StateExecuting, final} {
					require.NoError(t, x.Transition(s, "done"))
				}
			}

			for _, s := range []State{StateIdle, StateFired, StateConditionsPassed, StateFrequencyAllowed, StateExecuting, StateCompleted, StateFailed, StateRejected} {
				assert.ErrorIs(t, x.Transition(s, ""), ErrIllegalTransition)
			}
			assert.Equal(t, final, x.State)
		})
	}
}

func TestExecution_Reason(t *testing.T) {
	x := newTestExecution(nil)
	assert.Empty(t, x.Reason())

	require.NoError(t, x.Transition(StateFired, "page_view"))
	require.NoError(t, x.Transition(StateRejected, "frequency once_ever denied"))
	assert.Equal(t, "frequency once_ever denied", x.Reason())
}
