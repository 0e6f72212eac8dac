package workflow

import (
	"errors"
	"testing"

	"github.com/chrofis/magicalstory/internal/types"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    types.Status
		action  Action
		want    types.Status
		wantErr bool
	}{
		{types.StatusPending, ActionStart, types.StatusInProgress, false},
		{types.StatusCompleted, ActionStart, types.StatusInProgress, false},
		{types.StatusFailed, ActionStart, types.StatusInProgress, false},
		{types.StatusSkipped, ActionStart, types.StatusInProgress, false},
		{types.StatusInProgress, ActionStart, types.StatusInProgress, true},

		{types.StatusInProgress, ActionComplete, types.StatusCompleted, false},
		{types.StatusPending, ActionComplete, types.StatusPending, true},
		{types.StatusFailed, ActionComplete, types.StatusFailed, true},

		{types.StatusInProgress, ActionFail, types.StatusFailed, false},
		{types.StatusCompleted, ActionFail, types.StatusCompleted, true},

		{types.StatusPending, ActionSkip, types.StatusSkipped, false},
		{types.StatusInProgress, ActionSkip, types.StatusSkipped, false},
		{types.StatusFailed, ActionSkip, types.StatusSkipped, false},
		{types.StatusSkipped, ActionSkip, types.StatusSkipped, false},
		{types.StatusCompleted, ActionSkip, types.StatusCompleted, true},

		{types.StatusCompleted, ActionReset, types.StatusPending, false},
		{types.StatusInProgress, ActionReset, types.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := Transition(tt.from, tt.action)
			if got != tt.want {
				t.Errorf("Transition() = %s, want %s", got, tt.want)
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition() error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestTransition_NeverLeavesCompletedWithoutRestart(t *testing.T) {
	for _, a := range []Action{ActionComplete, ActionFail, ActionSkip} {
		if got, _ := Transition(types.StatusCompleted, a); got != types.StatusCompleted {
			t.Errorf("Transition(completed, %s) = %s, want completed", a, got)
		}
	}
}
