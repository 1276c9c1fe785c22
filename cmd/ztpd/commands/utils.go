package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldops/ztpd/internal/config"
	"github.com/fieldops/ztpd/pkg/errors"
	"github.com/fieldops/ztpd/pkg/inventory"
	"github.com/fieldops/ztpd/pkg/staging"
)

// ensureDirectories creates the artifact directories the databases live in
func ensureDirectories(journalPath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	return nil
}

// newInventorySource builds the configured inventory backend
func newInventorySource(ctx context.Context, cfg *config.Config) (inventory.Source, error) {
	switch cfg.Inventory {
	case "netbox":
		return inventory.NewNetBoxSource(cfg.NetBoxURL, cfg.NetBoxToken, nil), nil
	case "s3":
		return inventory.NewS3Source(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
	}
	return nil, fmt.Errorf("unknown inventory backend %q", cfg.Inventory)
}

// newStagingDialer builds the SFTP dialer for the transfer server
func newStagingDialer(cfg *config.Config) *staging.SFTPDialer {
	return &staging.SFTPDialer{
		Config: staging.Config{
			Host:     cfg.FTPServer,
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
			Attempts: cfg.ConnectAttempts,
			Delay:    cfg.ConnectDelay,
		},
	}
}
