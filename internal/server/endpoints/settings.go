package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/config"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

// SettingsResponse holds stored settings keyed by name. Literal API keys
// are redacted.
type SettingsResponse struct {
	Settings map[string]config.Entry `json:"settings"`
}

// SettingResponse holds one stored setting and its shipped default.
type SettingResponse struct {
	Entry    *config.Entry `json:"entry,omitempty"`
	Default  any           `json:"default,omitempty"`
	Reloaded bool          `json:"providers_reloaded,omitempty"`
}

// UpdateSettingRequest is the request body for PUT /api/settings/{key}.
type UpdateSettingRequest struct {
	Value       any    `json:"value"`
	Description string `json:"description,omitempty"`
}

// settingKey reads and validates the {key...} path value, writing a 400 on failure.
func settingKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key encoding")
		return "", false
	}
	if err := config.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return key, true
}

func configStore(w http.ResponseWriter, r *http.Request) (config.Store, bool) {
	store := svcctx.ConfigStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "config store not available")
		return nil, false
	}
	return store, true
}

// reloadIfProvider rebuilds the provider registry after a provider or
// defaults key changed. A failed reload is logged; the setting stays saved.
func reloadIfProvider(ctx context.Context, key string) bool {
	reload := svcctx.ReloadProvidersFrom(ctx)
	if reload == nil || !config.IsProviderKey(key) {
		return false
	}
	if err := reload(ctx); err != nil {
		if logger := svcctx.LoggerFrom(ctx); logger != nil {
			logger.Warn("provider reload after settings change failed", "key", key, "error", err)
		}
		return false
	}
	return true
}

// writeSetting reads key back from the store and writes it with its default.
func writeSetting(w http.ResponseWriter, r *http.Request, store config.Store, key string, reloaded bool) {
	entry, err := store.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "setting not found")
		return
	}
	redacted := config.Redact(*entry)
	resp := SettingResponse{Entry: &redacted, Reloaded: reloaded}
	if def := config.GetDefault(key); def != nil {
		resp.Default = config.Redact(*def).Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func settingPath(key string) string {
	return "/api/settings/" + url.PathEscape(key)
}

// ListSettingsEndpoint handles GET /api/settings.
type ListSettingsEndpoint struct{}

func (e *ListSettingsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/settings", e.handler
}

func (e *ListSettingsEndpoint) RequiresInit() bool { return true }
func (e *ListSettingsEndpoint) Group() string      { return "settings" }

// handler godoc
//
//	@Summary		List settings
//	@Description	Stored settings, optionally limited to a key prefix
//	@Tags			settings
//	@Produce		json
//	@Param			prefix	query		string	false	"Key prefix such as workflow. or providers.image."
//	@Success		200		{object}	SettingsResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/settings [get]
func (e *ListSettingsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store, ok := configStore(w, r)
	if !ok {
		return
	}

	var (
		entries map[string]config.Entry
		err     error
	)
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		entries, err = store.GetByPrefix(r.Context(), prefix)
	} else {
		entries, err = store.GetAll(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for k, e := range entries {
		entries[k] = config.Redact(e)
	}
	writeJSON(w, http.StatusOK, SettingsResponse{Settings: entries})
}

func (e *ListSettingsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/settings"
			if prefix != "" {
				path += "?" + url.Values{"prefix": {prefix}}.Encode()
			}
			var resp SettingsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp.Settings)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only keys with this prefix (e.g. 'workflow.' or 'providers.image.')")
	return cmd
}

// GetSettingEndpoint handles GET /api/settings/{key...}.
type GetSettingEndpoint struct{}

func (e *GetSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/settings/{key...}", e.handler
}

func (e *GetSettingEndpoint) RequiresInit() bool { return true }
func (e *GetSettingEndpoint) Group() string      { return "settings" }

// handler godoc
//
//	@Summary		Get a setting
//	@Tags			settings
//	@Produce		json
//	@Param			key	path		string	true	"Setting key (URL-encoded)"
//	@Success		200	{object}	SettingResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/settings/{key} [get]
func (e *GetSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}
	store, ok := configStore(w, r)
	if !ok {
		return
	}
	writeSetting(w, r, store, key, false)
}

func (e *GetSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show a setting and its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp SettingResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), settingPath(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// UpdateSettingEndpoint handles PUT /api/settings/{key...}.
type UpdateSettingEndpoint struct{}

func (e *UpdateSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/settings/{key...}", e.handler
}

func (e *UpdateSettingEndpoint) RequiresInit() bool { return true }
func (e *UpdateSettingEndpoint) Group() string      { return "settings" }

// handler godoc
//
//	@Summary		Update a setting
//	@Description	Workflow, defaults and provider keys are type checked. Provider changes reload the registry.
//	@Tags			settings
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string					true	"Setting key (URL-encoded)"
//	@Param			body	body		UpdateSettingRequest	true	"New value"
//	@Success		200		{object}	SettingResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/settings/{key} [put]
func (e *UpdateSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}

	var req UpdateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := config.ValidateValue(key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store, ok := configStore(w, r)
	if !ok {
		return
	}

	if err := store.Set(r.Context(), key, req.Value, req.Description); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSetting(w, r, store, key, reloadIfProvider(r.Context(), key))
}

func (e *UpdateSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update a setting",
		Long: `Update a setting. The value is parsed as JSON when it can be,
so 72 is a number and true a boolean; anything else is stored as a string.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				value = args[1]
			}
			req := UpdateSettingRequest{Value: value, Description: description}
			var resp SettingResponse
			if err := api.NewClient(getServerURL()).Put(cmd.Context(), settingPath(args[0]), req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Replace the stored description")
	return cmd
}

// ResetSettingEndpoint handles POST /api/settings/reset/{key...}.
type ResetSettingEndpoint struct{}

func (e *ResetSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/settings/reset/{key...}", e.handler
}

func (e *ResetSettingEndpoint) RequiresInit() bool { return true }
func (e *ResetSettingEndpoint) Group() string      { return "settings" }

// handler godoc
//
//	@Summary		Reset a setting to its default
//	@Tags			settings
//	@Produce		json
//	@Param			key	path		string	true	"Setting key (URL-encoded)"
//	@Success		200	{object}	SettingResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/settings/reset/{key} [post]
func (e *ResetSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}
	store, ok := configStore(w, r)
	if !ok {
		return
	}

	if err := config.ResetToDefault(r.Context(), store, key); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrNoDefault) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeSetting(w, r, store, key, reloadIfProvider(r.Context(), key))
}

func (e *ResetSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Reset a setting to its default value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp SettingResponse
			path := "/api/settings/reset/" + url.PathEscape(args[0])
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DeleteSettingEndpoint handles DELETE /api/settings/{key...}. Keys that
// ship with a default are reset instead of deleted.
type DeleteSettingEndpoint struct{}

func (e *DeleteSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/settings/{key...}", e.handler
}

func (e *DeleteSettingEndpoint) RequiresInit() bool { return true }
func (e *DeleteSettingEndpoint) Group() string      { return "settings" }

// handler godoc
//
//	@Summary		Delete a setting
//	@Tags			settings
//	@Param			key	path	string	true	"Setting key (URL-encoded)"
//	@Success		204
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/settings/{key} [delete]
func (e *DeleteSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}
	if config.GetDefault(key) != nil {
		writeError(w, http.StatusConflict, "setting has a default; reset it instead")
		return
	}
	store, ok := configStore(w, r)
	if !ok {
		return
	}
	if err := store.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reloadIfProvider(r.Context(), key)
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeleteSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a setting that has no default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.NewClient(getServerURL()).Delete(cmd.Context(), settingPath(args[0]))
		},
	}
}
