package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/svcctx"
	"github.com/chrofis/magicalstory/internal/types"
	"github.com/chrofis/magicalstory/internal/workflow"
)

// StartedResponse acknowledges a run started in the background.
type StartedResponse struct {
	StoryID string     `json:"story_id"`
	Step    types.Step `json:"step,omitempty"`
	Status  string     `json:"status"`
}

// RunWorkflowRequest is the body of POST /api/stories/{story_id}/workflow/run.
type RunWorkflowRequest struct {
	ScoreThreshold float64           `json:"score_threshold,omitempty"`
	IssueThreshold int               `json:"issue_threshold,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Mode           regen.Mode        `json:"mode,omitempty"`
	CoverTypes     []types.CoverType `json:"cover_types,omitempty"`
}

// RedoPagesResponse is the redo set after a toggle.
type RedoPagesResponse struct {
	RedoPages types.RedoPages `json:"redo_pages"`
}

// AbortResponse reports whether a run was signalled.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// SeverePagesResponse lists the pages selected for a character repair.
type SeverePagesResponse struct {
	Character string `json:"character"`
	Pages     []int  `json:"pages"`
}

// writeWorkflowError maps workflow and store errors onto status codes.
func writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, workflow.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrAlreadyRunning), errors.Is(err, workflow.ErrRunning), errors.Is(err, workflow.ErrDiscarded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, story.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// orchestratorFor returns the story's orchestrator after checking that the
// story exists. It writes the error response itself and returns nil on failure.
func orchestratorFor(w http.ResponseWriter, r *http.Request) *workflow.Orchestrator {
	storyID := r.PathValue("story_id")
	if storyID == "" {
		writeError(w, http.StatusBadRequest, "story id is required")
		return nil
	}
	workflows := svcctx.WorkflowsFrom(r.Context())
	stories := svcctx.StoriesFrom(r.Context())
	if workflows == nil || stories == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow manager not initialized")
		return nil
	}
	if o, ok := workflows.Lookup(storyID); ok {
		return o
	}
	if _, err := stories.Story(r.Context(), storyID); err != nil {
		writeWorkflowError(w, err)
		return nil
	}
	return workflows.Get(storyID)
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func storyPath(storyID string, rest string) string {
	return "/api/stories/" + url.PathEscape(storyID) + rest
}

// GetWorkflowEndpoint handles GET /api/stories/{story_id}/workflow.
type GetWorkflowEndpoint struct{}

func (e *GetWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/stories/{story_id}/workflow", e.handler
}

func (e *GetWorkflowEndpoint) RequiresInit() bool { return true }
func (e *GetWorkflowEndpoint) Group() string { return "workflow" }

// handler godoc
//
//	@Summary		Get workflow state
//	@Description	Snapshot of a story's repair workflow with run flags and progress
//	@Tags			workflow
//	@Produce		json
//	@Param			story_id	path		string	true	"Story ID"
//	@Success		200			{object}	workflow.Snapshot
//	@Failure		404			{object}	ErrorResponse
//	@Router			/api/stories/{story_id}/workflow [get]
func (e *GetWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (e *GetWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <story_id>",
		Short: "Show a story's workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp workflow.Snapshot
			if err := client.Get(cmd.Context(), storyPath(args[0], "/workflow"), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RunWorkflowEndpoint handles POST /api/stories/{story_id}/workflow/run.
type RunWorkflowEndpoint struct{}

func (e *RunWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/{story_id}/workflow/run", e.handler
}

func (e *RunWorkflowEndpoint) RequiresInit() bool { return true }
func (e *RunWorkflowEndpoint) Group() string { return "workflow" }

// handler godoc
//
//	@Summary		Run the full workflow
//	@Description	Start all repair stages in order in the background
//	@Tags			workflow
//	@Accept			json
//	@Produce		json
//	@Param			story_id	path		string				true	"Story ID"
//	@Param			body		body		RunWorkflowRequest	false	"Run options"
//	@Success		202			{object}	StartedResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		409			{object}	ErrorResponse
//	@Router			/api/stories/{story_id}/workflow/run [post]
func (e *RunWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}

	cfg := workflow.FullConfig{
		ScoreThreshold: req.ScoreThreshold,
		IssueThreshold: req.IssueThreshold,
		MaxRetries:     req.MaxRetries,
		Mode:           req.Mode,
		CoverTypes:     req.CoverTypes,
	}
	if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
		cfg.OnProgress = func(step types.Step, detail string) {
			logger.Debug("workflow progress", "story_id", o.StoryID(), "step", step, "detail", detail)
		}
	}
	// The run outlives the request.
	if err := o.StartFullWorkflow(context.WithoutCancel(r.Context()), cfg); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartedResponse{StoryID: o.StoryID(), Status: "started"})
}

func (e *RunWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req RunWorkflowRequest
	var mode string
	cmd := &cobra.Command{
		Use:   "run <story_id>",
		Short: "Start the full repair workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Mode = regen.Mode(mode)
			client := api.NewClient(getServerURL())
			var resp StartedResponse
			if err := client.Post(cmd.Context(), storyPath(args[0], "/workflow/run"), req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().Float64Var(&req.ScoreThreshold, "score-threshold", 0, "Mark pages scoring below this for redo")
	cmd.Flags().IntVar(&req.IssueThreshold, "issue-threshold", 0, "Mark pages with at least this many issues for redo")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "Regeneration attempts per page")
	cmd.Flags().StringVar(&mode, "mode", "", "Redo mode: fresh, reference or blackout")
	return cmd
}

// RunStageEndpoint handles POST /api/stories/{story_id}/workflow/stages/{step}.
type RunStageEndpoint struct{}

func (e *RunStageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/{story_id}/workflow/stages/{step}", e.handler
}

func (e *RunStageEndpoint) RequiresInit() bool { return true }
func (e *RunStageEndpoint) Group() string { return "workflow" }

// handler godoc
//
//	@Summary		Run one stage
//	@Description	Start a single repair stage in the background
//	@Tags			workflow
//	@Accept			json
//	@Produce		json
//	@Param			story_id	path		string				true	"Story ID"
//	@Param			step		path		string				true	"Step name"
//	@Param			body		body		workflow.StageInput	false	"Stage input"
//	@Success		202			{object}	StartedResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		409			{object}	ErrorResponse
//	@Router			/api/stories/{story_id}/workflow/stages/{step} [post]
func (e *RunStageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	step, err := types.ParseStep(r.PathValue("step"))
	if err != nil || !step.Runnable() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("not a repair stage: %q", r.PathValue("step")))
		return
	}
	var in workflow.StageInput
	if err := decodeOptional(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}
	if err := o.StartStage(context.WithoutCancel(r.Context()), step, in); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartedResponse{StoryID: o.StoryID(), Step: step, Status: "started"})
}

func (e *RunStageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var in workflow.StageInput
	var pages []int
	var characters []string
	var backend, mode string
	cmd := &cobra.Command{
		Use:   "stage <story_id> <step>",
		Short: "Start one repair stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Pages = pages
			in.Characters = characters
			in.Backend = types.RepairBackend(backend)
			in.Mode = regen.Mode(mode)
			client := api.NewClient(getServerURL())
			var resp StartedResponse
			path := storyPath(args[0], "/workflow/stages/"+url.PathEscape(args[1]))
			if err := client.Post(cmd.Context(), path, in, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntSliceVar(&pages, "pages", nil, "Pages to work on (default: automatic selection)")
	cmd.Flags().StringSliceVar(&characters, "characters", nil, "Characters to repair")
	cmd.Flags().StringVar(&backend, "backend", "", "Character repair backend: gemini or magicapi")
	cmd.Flags().StringVar(&mode, "mode", "", "Redo mode: fresh, reference or blackout")
	cmd.Flags().IntVar(&in.MaxRetries, "max-retries", 0, "Regeneration attempts per page")
	return cmd
}

// AbortWorkflowEndpoint handles POST /api/stories/{story_id}/workflow/abort.
type AbortWorkflowEndpoint struct{}

func (e *AbortWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/{story_id}/workflow/abort", e.handler
}

func (e *AbortWorkflowEndpoint) RequiresInit() bool { return true }
func (e *AbortWorkflowEndpoint) Group() string { return "workflow" }

func (e *AbortWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	workflows := svcctx.WorkflowsFrom(r.Context())
	if workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow manager not initialized")
		return
	}
	o, ok := workflows.Lookup(r.PathValue("story_id"))
	writeJSON(w, http.StatusOK, AbortResponse{Aborted: ok && o.Abort()})
}

func (e *AbortWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <story_id>",
		Short: "Stop the running workflow before its next unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp AbortResponse
			if err := client.Post(cmd.Context(), storyPath(args[0], "/workflow/abort"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ResetWorkflowEndpoint handles POST /api/stories/{story_id}/workflow/reset.
type ResetWorkflowEndpoint struct{}

func (e *ResetWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/{story_id}/workflow/reset", e.handler
}

func (e *ResetWorkflowEndpoint) RequiresInit() bool { return true }
func (e *ResetWorkflowEndpoint) Group() string { return "workflow" }

func (e *ResetWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}
	if err := o.Reset(); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (e *ResetWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <story_id>",
		Short: "Clear all results and set every step back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp workflow.Snapshot
			if err := client.Post(cmd.Context(), storyPath(args[0], "/workflow/reset"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ToggleRedoPageEndpoint handles POST /api/stories/{story_id}/workflow/redo-pages/{page_num}/toggle.
type ToggleRedoPageEndpoint struct{}

func (e *ToggleRedoPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/{story_id}/workflow/redo-pages/{page_num}/toggle", e.handler
}

func (e *ToggleRedoPageEndpoint) RequiresInit() bool { return true }
func (e *ToggleRedoPageEndpoint) Group() string { return "workflow" }

func (e *ToggleRedoPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("page_num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "page number must be an integer")
		return
	}
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}
	set, err := o.ToggleRedoPage(page)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RedoPagesResponse{RedoPages: set})
}

func (e *ToggleRedoPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <story_id> <page>",
		Short: "Add or remove a page from the redo set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RedoPagesResponse
			path := storyPath(args[0], "/workflow/redo-pages/"+url.PathEscape(args[1])+"/toggle")
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DiscardWorkflowEndpoint handles DELETE /api/stories/{story_id}/workflow.
type DiscardWorkflowEndpoint struct{}

func (e *DiscardWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/stories/{story_id}/workflow", e.handler
}

func (e *DiscardWorkflowEndpoint) RequiresInit() bool { return true }
func (e *DiscardWorkflowEndpoint) Group() string { return "workflow" }

func (e *DiscardWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	workflows := svcctx.WorkflowsFrom(r.Context())
	if workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow manager not initialized")
		return
	}
	if err := workflows.Discard(r.PathValue("story_id")); err != nil {
		writeWorkflowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DiscardWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <story_id>",
		Short: "Drop a story's workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), storyPath(args[0], "/workflow"))
		},
	}
}

// SeverePagesEndpoint handles GET /api/stories/{story_id}/characters/{name}/severe-pages.
type SeverePagesEndpoint struct{}

func (e *SeverePagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/stories/{story_id}/characters/{name}/severe-pages", e.handler
}

func (e *SeverePagesEndpoint) RequiresInit() bool { return true }
func (e *SeverePagesEndpoint) Group() string { return "workflow" }

func (e *SeverePagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestratorFor(w, r)
	if o == nil {
		return
	}
	name := r.PathValue("name")
	pages := o.PagesWithSevereIssuesForCharacter(name)
	if pages == nil {
		pages = []int{}
	}
	writeJSON(w, http.StatusOK, SeverePagesResponse{Character: name, Pages: pages})
}

func (e *SeverePagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "severe-pages <story_id> <character>",
		Short: "List the pages a character repair would target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SeverePagesResponse
			path := storyPath(args[0], "/characters/"+url.PathEscape(args[1])+"/severe-pages")
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
