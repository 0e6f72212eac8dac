package workflow

import "errors"

var (
	// ErrAlreadyRunning is returned when a stage or full run is requested
	// while another one holds the story's workflow. State is left untouched.
	ErrAlreadyRunning = errors.New("workflow already running")

	// ErrValidation wraps input errors found before any external call.
	ErrValidation = errors.New("invalid workflow request")

	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRunning is returned by operations that cannot happen during a run.
	ErrRunning = errors.New("workflow is running")

	// ErrDiscarded is returned when a run is requested on an orchestrator
	// whose story workflow was discarded or re-imported.
	ErrDiscarded = errors.New("workflow was discarded")

	// errNothingToDo means a stage has no units to process. Manual runs
	// report it as a validation error; full runs skip the stage.
	errNothingToDo = errors.New("nothing to do")
)
