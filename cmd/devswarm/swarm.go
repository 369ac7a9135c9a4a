package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/daemon"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/history"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/story"
	"github.com/msageha/devswarm/internal/swarm"
	"github.com/msageha/devswarm/internal/uds"
)

func newSwarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Run developer agents over the stories",
	}
	cmd.AddCommand(newSwarmRunCmd())
	return cmd
}

type swarmFlags struct {
	maxConcurrency int
	retryAttempts  int
	retryDelayMs   int
	timeoutMs      int
	noFileLocks    bool
	storyIDs       []string
	viaDaemon      bool
	jsonOutput     bool
}

// params converts only the flags the user set into daemon overrides.
func (f swarmFlags) params(cmd *cobra.Command) daemon.SwarmParams {
	var p daemon.SwarmParams
	flags := cmd.Flags()
	if flags.Changed("max-concurrency") {
		p.MaxConcurrency = f.maxConcurrency
	}
	if flags.Changed("retry-attempts") {
		p.RetryAttempts = &f.retryAttempts
	}
	if flags.Changed("retry-delay-ms") {
		p.RetryDelayMs = &f.retryDelayMs
	}
	if flags.Changed("timeout-ms") {
		p.TimeoutMs = f.timeoutMs
	}
	if f.noFileLocks {
		off := false
		p.CheckFileLocks = &off
	}
	return p
}

func newSwarmRunCmd() *cobra.Command {
	var f swarmFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute every story that is not done (or the ones named with --story)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-concurrency") && f.maxConcurrency < 1 {
				return fmt.Errorf("--max-concurrency must be >= 1, got %d", f.maxConcurrency)
			}
			cfg := f.params(cmd).Apply(p.cfg.Swarm)

			if f.viaDaemon {
				return dispatchToDaemon(cmd.OutOrStdout(), p.stateDir, f.params(cmd))
			}

			result, err := runSwarm(cmd.Context(), p, cfg, f.storyIDs)
			if err != nil {
				return err
			}
			if p.cfg.History.Enabled {
				recordHistory(p, result)
			}

			out := cmd.OutOrStdout()
			if f.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(out, result)
			}
			if result.Status == model.ExecutionFailed {
				return fmt.Errorf("swarm %s failed", result.ExecutionID)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.maxConcurrency, "max-concurrency", model.DefaultMaxConcurrency, "maximum developer agents running at once")
	flags.IntVar(&f.retryAttempts, "retry-attempts", model.DefaultRetryAttempts, "retries after the first failed attempt")
	flags.IntVar(&f.retryDelayMs, "retry-delay-ms", model.DefaultRetryDelayMs, "delay between attempts")
	flags.IntVar(&f.timeoutMs, "timeout-ms", model.DefaultTimeoutMs, "per-task budget covering every attempt")
	flags.BoolVar(&f.noFileLocks, "no-file-locks", false, "let tasks write the same path concurrently")
	flags.StringSliceVar(&f.storyIDs, "story", nil, "story id to run (repeatable)")
	flags.BoolVar(&f.viaDaemon, "daemon", false, "start the swarm in the running daemon instead")
	flags.BoolVar(&f.jsonOutput, "json", false, "print the execution result as JSON")
	return cmd
}

func runSwarm(ctx context.Context, p *project, cfg model.SwarmExecutionConfig, ids []string) (model.SwarmExecutionResult, error) {
	store, err := artifact.NewFSStore(p.cfg.Project.Root)
	if err != nil {
		return model.SwarmExecutionResult{}, err
	}
	sink := events.LogSink{Logger: p.logger.With("pipeline")}
	engine := swarm.NewEngine(store, newExecutor(store.Root(), p.logger.With("agent")), p.cfg.LLM, sink, p.logger.With("swarm"))
	engine.SetRegistry(swarm.NewRegistry(sink, p.logger.With("registry")))

	if len(ids) == 0 {
		return engine.ExecuteFromStore(ctx, cfg), nil
	}

	idx := story.NewWatcher(nil, nil, p.logger.With("stories"))
	if err := idx.Load(ctx, store); err != nil {
		return model.SwarmExecutionResult{}, err
	}
	byID := make(map[string]model.StoryMetadata)
	for _, s := range idx.Stories() {
		byID[s.ID] = s
	}
	selected := make([]model.StoryMetadata, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return model.SwarmExecutionResult{}, fmt.Errorf("story %q not found", id)
		}
		selected = append(selected, s)
	}
	return engine.ExecuteSwarm(ctx, selected, cfg), nil
}

func recordHistory(p *project, result model.SwarmExecutionResult) {
	hist, err := history.Open(p.cfg.History.Path)
	if err != nil {
		p.logger.Warnf("open history: %v", err)
		return
	}
	defer hist.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hist.Record(ctx, result); err != nil {
		p.logger.Warnf("record execution: %v", err)
	}
}

func dispatchToDaemon(w io.Writer, stateDir string, params daemon.SwarmParams) error {
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	var started struct {
		Status  string `json:"status"`
		Stories int    `json:"stories"`
	}
	if err := client.Call(uds.CmdSwarm, params, &started); err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}
	fmt.Fprintf(w, "swarm %s in daemon over %d pending stories\n", started.Status, started.Stories)
	return nil
}

func printResult(w io.Writer, r model.SwarmExecutionResult) {
	fmt.Fprintf(w, "Execution %s: %s (%d ok, %d failed) in %s\n",
		r.ExecutionID, r.Status, r.SuccessCount, r.FailureCount, r.TotalDuration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, res := range r.NodeResults {
		line := fmt.Sprintf("  %-8s %-7s %s", res.StoryID, res.Status, res.Duration.Round(time.Millisecond))
		if len(res.FilesModified) > 0 {
			line += fmt.Sprintf("  %v", res.FilesModified)
		}
		if res.Error != "" {
			line += "  " + res.Error
		}
		fmt.Fprintln(w, line)
	}
	if r.AverageSingleTaskTime != nil {
		fmt.Fprintf(w, "Parallelism verified: %t (avg task %s)\n", r.ParallelismVerified, r.AverageSingleTaskTime.Round(time.Millisecond))
	}
}
