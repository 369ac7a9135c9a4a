package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded swarm executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer hist.Close()

			recent, err := hist.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recent)
			}
			if len(recent) == 0 {
				fmt.Fprintln(out, "no executions recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tOK\tFAILED\tPARALLEL")
			for _, s := range recent {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
					s.ExecutionID, s.Status, s.StartTime.Local().Format(time.DateTime),
					s.TotalDuration.Round(time.Millisecond), s.SuccessCount, s.FailureCount, s.ParallelismVerified)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	cmd.AddCommand(newHistoryShowCmd(), newHistoryPruneCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <execution_id>",
		Short: "Show one execution with its task results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer hist.Close()

			result, err := hist.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return fmt.Errorf("execution %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newHistoryPruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer hist.Close()

			n, err := hist.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d executions\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 50, "executions to keep")
	return cmd
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	p, err := loadProject(cmd)
	if err != nil {
		return nil, err
	}
	if !p.cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in %s", p.stateDir)
	}
	return history.Open(p.cfg.History.Path)
}
