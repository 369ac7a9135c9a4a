// Package setup handles devswarm project initialization.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/templates"
)

// StateDir holds config, logs, locks, the journal and the history database.
const StateDir = ".devswarm"

// ConfigFile is the config filename inside StateDir.
const ConfigFile = "config.yaml"

// Dirs created under StateDir.
var stateDirs = []string{"logs", "locks", "journal"}

// JournalPath is the daemon's activity journal inside stateDir.
func JournalPath(stateDir string) string {
	return filepath.Join(stateDir, "journal", "events"+events.JournalExtension)
}

// Run initializes .devswarm/ in projectDir and creates the docs directory the
// analysis phase writes into. projectName defaults to the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, StateDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range stateDirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(absDir, "docs"), 0755); err != nil {
		return fmt.Errorf("create docs directory: %w", err)
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := artifact.AtomicWrite(filepath.Join(base, ConfigFile), data); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFile, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}

// FindStateDir walks up from dir looking for a StateDir directory and returns
// its absolute path.
func FindStateDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	for {
		candidate := filepath.Join(abs, StateDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%s not found from %s (run devswarm setup)", StateDir, dir)
		}
		abs = parent
	}
}

// LoadConfig reads the config under stateDir and resolves project.root
// against the directory that holds stateDir.
func LoadConfig(stateDir string) (model.Config, error) {
	cfg, err := model.LoadConfig(filepath.Join(stateDir, ConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("no %s in %s: %w", ConfigFile, stateDir, err)
		}
		return cfg, err
	}
	if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(filepath.Dir(stateDir), cfg.Project.Root)
	}
	if !filepath.IsAbs(cfg.History.Path) {
		cfg.History.Path = filepath.Join(stateDir, cfg.History.Path)
	}
	return cfg, nil
}
