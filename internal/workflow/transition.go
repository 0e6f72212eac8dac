package workflow

import (
	"fmt"

	"github.com/chrofis/magicalstory/internal/types"
)

// Action is an event that moves a step between statuses.
type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionSkip     Action = "skip"
	ActionReset    Action = "reset"
)

// Transition returns the status a step moves to when action happens in from.
//
//	pending      --start-->    in-progress
//	in-progress  --complete--> completed
//	in-progress  --fail-->     failed
//	any terminal --start-->    in-progress (re-entry)
//	pending, in-progress, failed, skipped --skip--> skipped
//	any          --reset-->    pending
func Transition(from types.Status, action Action) (types.Status, error) {
	switch action {
	case ActionStart:
		if from == types.StatusPending || from.IsTerminal() {
			return types.StatusInProgress, nil
		}
	case ActionComplete:
		if from == types.StatusInProgress {
			return types.StatusCompleted, nil
		}
	case ActionFail:
		if from == types.StatusInProgress {
			return types.StatusFailed, nil
		}
	case ActionSkip:
		if from != types.StatusCompleted {
			return types.StatusSkipped, nil
		}
	case ActionReset:
		return types.StatusPending, nil
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
}
