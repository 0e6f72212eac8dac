package endpoints

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

// ListRunsResponse is the response for listing workflow runs.
type ListRunsResponse struct {
	Runs []*jobs.Record `json:"runs"`
}

// ListRunsEndpoint handles GET /api/runs.
type ListRunsEndpoint struct{}

func (e *ListRunsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/runs", e.handler
}

func (e *ListRunsEndpoint) RequiresInit() bool { return true }
func (e *ListRunsEndpoint) Group() string { return "runs" }

// handler godoc
//
//	@Summary		List runs
//	@Description	List recorded stage and full workflow runs, newest first
//	@Tags			runs
//	@Produce		json
//	@Param			status		query		string	false	"Filter by status"
//	@Param			run_type	query		string	false	"Filter by run type (stage, full_workflow)"
//	@Param			story_id	query		string	false	"Filter by story"
//	@Param			limit		query		int		false	"Maximum records"
//	@Success		200			{object}	ListRunsResponse
//	@Failure		500			{object}	ErrorResponse
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/runs [get]
func (e *ListRunsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	runs := svcctx.RunsFrom(r.Context())
	if runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run recorder not initialized")
		return
	}

	q := r.URL.Query()
	filter := jobs.ListFilter{
		Status:  jobs.Status(q.Get("status")),
		RunType: q.Get("run_type"),
		StoryID: q.Get("story_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	list, err := runs.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*jobs.Record{}
	}
	writeJSON(w, http.StatusOK, ListRunsResponse{Runs: list})
}

func (e *ListRunsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, runType, storyID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if runType != "" {
				params.Set("run_type", runType)
			}
			if storyID != "" {
				params.Set("story_id", storyID)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/runs"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			client := api.NewClient(getServerURL())
			var resp ListRunsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&runType, "type", "", "Filter by run type")
	cmd.Flags().StringVar(&storyID, "story", "", "Filter by story")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records")
	return cmd
}

// GetRunEndpoint handles GET /api/runs/{id}.
type GetRunEndpoint struct{}

func (e *GetRunEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/runs/{id}", e.handler
}

func (e *GetRunEndpoint) RequiresInit() bool { return true }
func (e *GetRunEndpoint) Group() string { return "runs" }

func (e *GetRunEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	runs := svcctx.RunsFrom(r.Context())
	if runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run recorder not initialized")
		return
	}
	rec, err := runs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *GetRunEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp jobs.Record
			if err := client.Get(cmd.Context(), "/api/runs/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
