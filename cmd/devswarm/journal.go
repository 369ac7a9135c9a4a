package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/setup"
)

func newJournalCmd() *cobra.Command {
	var (
		limit      int
		verify     bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the daemon's activity journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			path := setup.JournalPath(p.stateDir)
			out := cmd.OutOrStdout()

			if verify {
				total, valid, err := events.VerifyJournal(path)
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Fprintln(out, "journal is empty")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d/%d entries valid\n", valid, total)
				if valid != total {
					return fmt.Errorf("journal has %d corrupted entries", total-valid)
				}
				return nil
			}

			entries, err := events.ReadJournal(path, limit)
			if errors.Is(err, fs.ErrNotExist) {
				entries, err = nil, nil
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "journal is empty")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Kind, e.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show (0 for all)")
	cmd.Flags().BoolVar(&verify, "verify", false, "check entry checksums")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
