package db

import (
	"context"
	"fmt"

	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/internal/core"
)

// NewClient returns the store selected by DB_DRIVER.
func NewClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	switch cfg.DBDriver {
	case "memory":
		return NewMemoryClient(), nil
	case "postgres", "":
		return NewDatabaseClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}
