package app

import (
	"context"
	"errors"
	"fmt"

	"caterline/internal/config"
	"caterline/internal/repo"
)

// ResolveConfig picks the active tracking configuration. A caterline.yml in
// the workspace wins and is mirrored into the settings row; otherwise the
// stored settings are used, seeding defaults on first run.
func ResolveConfig(ctx context.Context, workspace, restaurant string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertSettings(ctx, fileCfg); err != nil {
			return nil, fmt.Errorf("mirror config to settings: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if restaurant == "" {
			restaurant = "caterline"
		}
		cfg = config.Default(restaurant)
		if err := r.UpsertSettings(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
	}
	return cfg, nil
}
