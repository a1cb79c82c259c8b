package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"fieldproof/internal/config"
	"fieldproof/internal/repo"
)

// ResolveConfig decides which config governs a workspace, seeding defaults
// if neither a fieldproof.yml nor a stored DB config exists. A YAML file on
// disk wins and is mirrored into the DB so `fp config show` and the server
// agree with the CLI.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	name := WorkspaceName(workspace)

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if cfg.Workspace.Name == "" {
			cfg.Workspace.Name = name
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", config.Path(workspace), err)
		}
		if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.Name, cfg); err != nil {
			return nil, fmt.Errorf("store workspace config: %w", err)
		}
		return cfg, nil
	}

	cfg, err = r.GetWorkspaceConfig(ctx, name)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	seed := config.Default(name)
	if err := r.UpsertWorkspaceConfig(ctx, name, seed); err != nil {
		return nil, fmt.Errorf("seed workspace config: %w", err)
	}
	return seed, nil
}

// WorkspaceName derives the logical workspace name from its directory.
func WorkspaceName(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return filepath.Base(workspace)
	}
	return filepath.Base(abs)
}
