package storage

import (
	"context"
	"fmt"
	"strings"
)

// Open returns the backend selected by the URL scheme:
//   - postgres:// or postgresql:// opens PostgreSQL (migrations are run
//     separately with RunMigrations)
//   - file:<path> or sqlite://<path> opens SQLite and migrates it
//   - a bare path is treated as a SQLite file
func Open(ctx context.Context, url string) (StorageBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("storage url is empty")
	}
	if IsPostgresURL(url) {
		pg, err := NewPostgresBackend(ctx, url)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	var (
		lite *SQLiteBackend
		err  error
	)
	switch {
	case strings.HasPrefix(url, "file:") && strings.Contains(url, "mode=memory"):
		lite, err = OpenSQLite(ctx, url)
	case strings.HasPrefix(url, "file:"):
		lite, err = NewSQLiteBackend(ctx, strings.TrimPrefix(url, "file:"))
	case strings.HasPrefix(url, "sqlite://"):
		lite, err = NewSQLiteBackend(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		lite, err = NewSQLiteBackend(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// IsPostgresURL reports whether url selects the Postgres backend.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}
