package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/daemon"
	"github.com/msageha/devswarm/internal/status"
	"github.com/msageha/devswarm/internal/uds"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			client := uds.NewClient(filepath.Join(p.stateDir, uds.DefaultSocketName))
			client.SetTimeout(2 * time.Second)
			if client.Ping() == nil {
				return fmt.Errorf("daemon already running for %s", p.cfg.Project.Root)
			}
			d, err := daemon.New(p.stateDir, p.cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run(cmd.Context())
		},
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the phase, stories, nodes and last swarm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			return status.Run(cmd.OutOrStdout(), p.stateDir, p.cfg, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(cmd)
			if err != nil {
				return err
			}
			client := uds.NewClient(filepath.Join(p.stateDir, uds.DefaultSocketName))
			if err := client.Call(uds.CmdShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}
