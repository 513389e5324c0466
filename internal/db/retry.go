package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxConnectAttempts bounds how many times New retries opening and pinging
// the database before giving up. Postgres-backed deployments commonly start
// the app container before the database is accepting connections.
const maxConnectAttempts = 10

// connectBackoff is the delay between connection attempts. It is not
// exponential — a fixed interval is enough for the common case of "the
// database container is still booting" and keeps startup time predictable.
const connectBackoff = 2 * time.Second

// Open is like New but retries the initial connect-and-migrate sequence up
// to maxConnectAttempts times, which makes startup robust to database
// containers that are still initializing in container orchestration.
func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		database, err := New(cfg)
		if err == nil {
			return database, nil
		}
		lastErr = err
		cfg.Logger.Warn("database connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxConnectAttempts),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("db: open cancelled: %w", ctx.Err())
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("db: failed to connect after %d attempts: %w", maxConnectAttempts, lastErr)
}
