package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded migrations that have not run yet, in
// filename order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		var n int
		err := s.db.QueryRowContext(ctx,
			s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), filename,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if n > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
		if _, err := s.db.ExecContext(ctx,
			s.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			filename, s.now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}
		s.logger.Info("Applied migration", "file", filename)
	}
	return nil
}
