package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/setup"
)

func newSetupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "setup <project_dir>",
		Short: "Initialize .devswarm/ in a project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup.Run(args[0], name); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			absDir, _ := filepath.Abs(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ in %s\n", setup.StateDir, absDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	return cmd
}
