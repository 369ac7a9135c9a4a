package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/setup"
)

const version = "0.1.0"

// newExecutor builds the agent executor used by drive and swarm run.
var newExecutor = func(root string, logger *logging.Logger) agent.Executor {
	return agent.NewCLIExecutor(root, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "devswarm",
		Short: "Phase-driven agent pipeline with a parallel developer swarm",
		Long: `devswarm watches a project's artifact tree, drives the analyst, product
manager, architect and scrum master agents through the planning phases, and
implements the resulting stories with a bounded swarm of developer agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("dir", "C", ".", "project directory (searched upward for .devswarm/)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log at debug level")

	root.AddCommand(
		newSetupCmd(),
		newPhaseCmd(),
		newDriveCmd(),
		newStoriesCmd(),
		newSwarmCmd(),
		newDaemonCmd(),
		newStatusCmd(),
		newStopCmd(),
		newHistoryCmd(),
		newJournalCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the devswarm version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "devswarm %s\n", version)
			},
		},
	)
	return root
}

// project is a loaded .devswarm/ workspace.
type project struct {
	stateDir string
	cfg      model.Config
	logger   *logging.Logger
}

func loadProject(cmd *cobra.Command) (*project, error) {
	dir, _ := cmd.Flags().GetString("dir")
	stateDir, err := setup.FindStateDir(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := setup.LoadConfig(stateDir)
	if err != nil {
		return nil, err
	}
	return &project{
		stateDir: stateDir,
		cfg:      cfg,
		logger:   cliLogger(cmd, cfg.Logging.Level),
	}, nil
}

// cliLogger writes to stderr so stdout stays machine readable.
func cliLogger(cmd *cobra.Command, level string) *logging.Logger {
	lvl := logging.ParseLevel(level)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lvl = logging.LevelDebug
	}
	var w io.Writer = cmd.ErrOrStderr()
	return logging.New(w, lvl, "cli")
}
