package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
	"github.com/chrofis/magicalstory/internal/workflow"
)

var (
	repairOut            string
	repairScoreThreshold float64
	repairIssueThreshold int
	repairMaxRetries     int
	repairMode           string
	repairCovers         []string
)

var repairCmd = &cobra.Command{
	Use:   "repair <story-dir>",
	Short: "Run the full repair workflow on a story directory",
	Long: `Run all eight repair stages against a story exported to a directory.

The directory holds a story.yaml manifest plus the page, character and cover
images it references. The story is kept in memory; no server or DefraDB is
needed. Repaired images and the final workflow state are written to --out.

Ctrl+C aborts the run before its next page or character.

Examples:
  magicalstory repair ./stories/moon --out ./repaired
  magicalstory repair ./stories/moon --mode blackout --max-retries 2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger, err := newLogger()
		if err != nil {
			return err
		}

		s, err := story.LoadDir(args[0])
		if err != nil {
			return err
		}
		store := story.NewMemoryStore()
		if err := store.SaveStory(ctx, s); err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}
		cfgMgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		cfg := cfgMgr.Get()
		wfCfg, opts, err := workflow.FromConfig(cfg)
		if err != nil {
			return err
		}

		reg := providers.NewRegistryFromConfig(ctx, cfg.ToProviderRegistryConfig(), logger)
		stages, err := workflow.BuildStages(store, reg, opts, nil, logger)
		if err != nil {
			return err
		}

		o := workflow.New(s.ID, workflow.Deps{Store: store, Stages: stages, Config: wfCfg, Logger: logger})

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				o.Abort()
			case <-done:
			}
		}()

		covers := make([]types.CoverType, 0, len(repairCovers))
		for _, c := range repairCovers {
			ct, err := types.ParseCoverType(c)
			if err != nil {
				return err
			}
			covers = append(covers, ct)
		}

		out := cmd.ErrOrStderr()
		runErr := o.RunFullWorkflow(context.WithoutCancel(ctx), workflow.FullConfig{
			ScoreThreshold: repairScoreThreshold,
			IssueThreshold: repairIssueThreshold,
			MaxRetries:     repairMaxRetries,
			Mode:           regen.Mode(repairMode),
			CoverTypes:     covers,
			OnProgress: func(step types.Step, detail string) {
				fmt.Fprintf(out, "[%s] %s\n", step, detail)
			},
		})

		if repairOut != "" {
			if err := writeRepaired(ctx, store, o, repairOut); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote results to %s\n", repairOut)
		}
		if err := api.Output(o.Snapshot()); err != nil {
			return err
		}
		return runErr
	},
}

// writeRepaired writes every image that changed during the run, named by
// version, plus the final workflow state as state.yaml.
func writeRepaired(ctx context.Context, store story.Store, o *workflow.Orchestrator, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	s, err := store.Story(ctx, o.StoryID())
	if err != nil {
		return err
	}

	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	}
	for _, p := range s.Pages {
		if p.Version > 1 {
			if err := write(fmt.Sprintf("page_%04d_v%d.png", p.Number, p.Version), p.Image); err != nil {
				return err
			}
		}
	}
	for _, c := range s.Characters {
		if c.Version > 1 {
			if err := write(fmt.Sprintf("character_%s_v%d.png", story.Slug(c.Name), c.Version), c.Reference); err != nil {
				return err
			}
		}
	}
	for _, c := range s.Covers {
		if c.Version > 1 {
			if err := write(fmt.Sprintf("cover_%s_v%d.png", c.Type, c.Version), c.Image); err != nil {
				return err
			}
		}
	}

	state, err := yaml.Marshal(o.State())
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return write("state.yaml", state)
}

func init() {
	repairCmd.Flags().StringVar(&repairOut, "out", "", "Directory for repaired images and state.yaml")
	repairCmd.Flags().Float64Var(&repairScoreThreshold, "score-threshold", 0, "Mark pages scoring below this for redo (default from config)")
	repairCmd.Flags().IntVar(&repairIssueThreshold, "issue-threshold", 0, "Mark pages with at least this many issues for redo (default from config)")
	repairCmd.Flags().IntVar(&repairMaxRetries, "max-retries", 0, "Regeneration attempts per page (default from config)")
	repairCmd.Flags().StringVar(&repairMode, "mode", "", "Redo mode: fresh, reference or blackout (default from config)")
	repairCmd.Flags().StringSliceVar(&repairCovers, "covers", nil, "Covers to regenerate (default: all)")

	rootCmd.AddCommand(repairCmd)
}
