// Package status assembles the report printed by `devswarm status`: the
// daemon's live view when it is running, otherwise a fresh read of the
// artifact tree.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/daemon"
	"github.com/msageha/devswarm/internal/history"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/phase"
	"github.com/msageha/devswarm/internal/story"
	"github.com/msageha/devswarm/internal/uds"
)

type Report struct {
	Daemon        DaemonStatus               `json:"daemon"`
	Phase         model.Phase                `json:"phase"`
	Stories       StoryCounts                `json:"stories"`
	Nodes         []model.DeveloperSwarmNode `json:"nodes,omitempty"`
	LastExecution *history.Summary           `json:"last_execution,omitempty"`
}

type DaemonStatus struct {
	Running  bool `json:"running"`
	PID      int  `json:"pid,omitempty"`
	Swarming bool `json:"swarming,omitempty"`
}

type StoryCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
}

// Run collects the report for the project described by cfg and writes it to w.
func Run(w io.Writer, stateDir string, cfg model.Config, jsonOutput bool) error {
	r, err := Collect(context.Background(), stateDir, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(w, r)
	return nil
}

// Collect builds a Report. Daemon data wins over the offline scan.
func Collect(ctx context.Context, stateDir string, cfg model.Config) (Report, error) {
	var r Report

	store, err := artifact.NewFSStore(cfg.Project.Root)
	if err != nil {
		return r, fmt.Errorf("open artifact store: %w", err)
	}
	snap, err := store.List()
	if err != nil {
		return r, fmt.Errorf("list artifacts: %w", err)
	}
	r.Phase = phase.ComputePhase(snap)

	idx := story.NewWatcher(nil, nil, logging.Discard())
	if err := idx.Load(ctx, store); err != nil {
		return r, fmt.Errorf("load stories: %w", err)
	}
	r.Stories = countStories(idx.Stories())

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	var live daemon.Status
	if err := client.Call(uds.CmdStatus, nil, &live); err == nil {
		r.Daemon = DaemonStatus{Running: true, PID: live.PID, Swarming: live.Swarming}
		if live.Phase != "" {
			r.Phase = live.Phase
		}
		var nodes []model.DeveloperSwarmNode
		if err := client.Call(uds.CmdNodes, nil, &nodes); err == nil {
			r.Nodes = nodes
		}
	}

	if cfg.History.Enabled {
		r.LastExecution = lastExecution(ctx, cfg.History.Path)
	}
	return r, nil
}

func countStories(stories []model.StoryMetadata) StoryCounts {
	c := StoryCounts{Total: len(stories)}
	for _, s := range stories {
		switch s.Status {
		case model.StoryPending:
			c.Pending++
		case model.StoryInProgress:
			c.InProgress++
		case model.StoryDone:
			c.Done++
		}
	}
	return c
}

// lastExecution returns nil when the ledger is missing or empty.
func lastExecution(ctx context.Context, path string) *history.Summary {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	hist, err := history.Open(path)
	if err != nil {
		return nil
	}
	defer hist.Close()
	recent, err := hist.Recent(ctx, 1)
	if err != nil || len(recent) == 0 {
		return nil
	}
	return &recent[0]
}

func Print(w io.Writer, r Report) {
	if r.Daemon.Running {
		state := "idle"
		if r.Daemon.Swarming {
			state = "swarming"
		}
		fmt.Fprintf(w, "Daemon: running (pid %d, %s)\n", r.Daemon.PID, state)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	fmt.Fprintf(w, "Phase:  %s\n", r.Phase)
	fmt.Fprintf(w, "Stories: %d total, %d pending, %d in progress, %d done\n",
		r.Stories.Total, r.Stories.Pending, r.Stories.InProgress, r.Stories.Done)

	if len(r.Nodes) > 0 {
		fmt.Fprintln(w, "\nNodes:")
		fmt.Fprintf(w, "  %-24s  %-8s  %-8s  %s\n", "ID", "STORY", "STATE", "PROGRESS")
		for _, n := range r.Nodes {
			fmt.Fprintf(w, "  %-24s  %-8s  %-8s  %3d%%\n", n.ID, n.StoryID, strings.ToLower(string(n.State)), n.Progress)
		}
	}

	if e := r.LastExecution; e != nil {
		fmt.Fprintf(w, "\nLast swarm: %s %s (%d ok, %d failed, %s)\n",
			e.ExecutionID, e.Status, e.SuccessCount, e.FailureCount, e.TotalDuration.Round(time.Millisecond))
	}
}
