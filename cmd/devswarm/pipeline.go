package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/phase"
	"github.com/msageha/devswarm/internal/story"
)

func newPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase",
		Short: "Print the phase computed from the artifact tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := artifact.NewFSStore(p.cfg.Project.Root)
			if err != nil {
				return err
			}
			snap, err := store.List()
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), phase.ComputePhase(snap))
			return nil
		},
	}
}

func newDriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive",
		Short: "Run the agent for the current phase once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := artifact.NewFSStore(p.cfg.Project.Root)
			if err != nil {
				return err
			}
			snap, err := store.List()
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}

			sink := events.LogSink{Logger: p.logger.With("pipeline")}
			director := phase.NewDirector(store, newExecutor(store.Root(), p.logger.With("agent")), p.cfg.LLM, sink, p.logger.With("director"))
			resolved := director.Tick(cmd.Context(), snap)
			if director.Current() != resolved {
				return fmt.Errorf("%s phase did not complete", resolved)
			}

			next, err := store.List()
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", resolved, phase.ComputePhase(next))
			return nil
		},
	}
}

func newStoriesCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "List the stories under the artifact tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := artifact.NewFSStore(p.cfg.Project.Root)
			if err != nil {
				return err
			}
			idx := story.NewWatcher(nil, nil, p.logger.With("stories"))
			if err := idx.Load(cmd.Context(), store); err != nil {
				return err
			}
			stories := idx.Stories()

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stories)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tAC\tTASKS\tTITLE\tPATH")
			for _, s := range stories {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", s.ID, s.Status, s.AcceptanceCriteriaCount, s.TaskCount, s.Title, s.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
