package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/internal/config"
	"github.com/3leaps/imgjobd/pkg/jobregistry"
	"github.com/3leaps/imgjobd/pkg/jobregistry/s3backend"
)

// openJobStore builds the store selected by storage.backend.
func openJobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*jobregistry.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	var backend jobregistry.Backend
	switch cfg.Storage.Backend {
	case config.BackendS3:
		b, err := s3backend.New(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 job store: %w", err)
		}
		backend = b
	default:
		fb := jobregistry.NewFileBackend(cfg.Jobs.Root)
		if err := fb.EnsureRoot(); err != nil {
			return nil, fmt.Errorf("open job store %s: %w", cfg.Jobs.Root, err)
		}
		backend = fb
	}
	return jobregistry.NewStore(backend, logger), nil
}

// storeHealthChecker fails when the job store cannot be listed.
type storeHealthChecker struct {
	store *jobregistry.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("job store not initialized")
	}
	_, err := c.store.Backend().List(ctx)
	return err
}
