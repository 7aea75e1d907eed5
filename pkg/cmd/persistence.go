package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/persistence/file"
	"github.com/dukex/orquestra/pkg/persistence/memory"
	"github.com/dukex/orquestra/pkg/persistence/postgresql"
	"github.com/dukex/orquestra/pkg/persistence/redis"
)

// NewPersistence opens the store named by the scheme of databaseURL. A URL without a
// scheme is a directory of the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "memory":
		return memory.NewPersistence(), nil
	case "file":
		return file.NewPersistence(databaseURL), nil
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "redis", "rediss":
		store, err := redis.NewPersistence(ctx, logger.With("module", "redis"), databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider in %q", databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
