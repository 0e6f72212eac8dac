package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

// ImportStoryRequest names a story directory on the server host.
type ImportStoryRequest struct {
	Dir string `json:"dir"`
}

// ImportStoryResponse describes the imported story.
type ImportStoryResponse struct {
	StoryID    string `json:"story_id"`
	Title      string `json:"title"`
	Pages      int    `json:"pages"`
	Characters int    `json:"characters"`
	Covers     int    `json:"covers"`
}

// ImportStoryEndpoint handles POST /api/stories/import.
type ImportStoryEndpoint struct{}

func (e *ImportStoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/stories/import", e.handler
}

func (e *ImportStoryEndpoint) RequiresInit() bool { return true }
func (e *ImportStoryEndpoint) Group() string { return "stories" }

// handler godoc
//
//	@Summary		Import a story
//	@Description	Load a story directory (story.yaml plus images) into the store
//	@Tags			stories
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ImportStoryRequest	true	"Story directory"
//	@Success		201		{object}	ImportStoryResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/stories/import [post]
func (e *ImportStoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ImportStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Dir == "" {
		writeError(w, http.StatusBadRequest, "dir is required")
		return
	}

	stories := svcctx.StoriesFrom(r.Context())
	if stories == nil {
		writeError(w, http.StatusServiceUnavailable, "story store not initialized")
		return
	}

	s, err := story.LoadDir(req.Dir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A re-imported story starts from a clean workflow; a running one blocks the import.
	save := func() error { return stories.SaveStory(r.Context(), s) }
	if workflows := svcctx.WorkflowsFrom(r.Context()); workflows != nil {
		err = workflows.Replace(s.ID, save)
	} else {
		err = save()
	}
	if err != nil {
		writeWorkflowError(w, err)
		return
	}

	if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
		logger.Info("story imported", "story_id", s.ID, "pages", len(s.Pages), "dir", req.Dir)
	}
	writeJSON(w, http.StatusCreated, ImportStoryResponse{
		StoryID:    s.ID,
		Title:      s.Title,
		Pages:      len(s.Pages),
		Characters: len(s.Characters),
		Covers:     len(s.Covers),
	})
}

func (e *ImportStoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Import a story directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("invalid path: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp ImportStoryResponse
			if err := client.Post(cmd.Context(), "/api/stories/import", ImportStoryRequest{Dir: dir}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetStoryEndpoint handles GET /api/stories/{story_id}.
type GetStoryEndpoint struct{}

func (e *GetStoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/stories/{story_id}", e.handler
}

func (e *GetStoryEndpoint) RequiresInit() bool { return true }
func (e *GetStoryEndpoint) Group() string { return "stories" }

func (e *GetStoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	stories := svcctx.StoriesFrom(r.Context())
	if stories == nil {
		writeError(w, http.StatusServiceUnavailable, "story store not initialized")
		return
	}
	s, err := stories.Story(r.Context(), r.PathValue("story_id"))
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (e *GetStoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <story_id>",
		Short: "Show a story's pages, characters and covers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp story.Story
			if err := client.Get(cmd.Context(), storyPath(args[0], ""), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
