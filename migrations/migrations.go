// Package migrations holds the schema and applies it in filename order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Migration is one .up.sql file.
type Migration struct {
	Name string
	SQL  string
}

// Up returns every .up.sql migration sorted by filename.
func Up() ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		content, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})
	return migrations, nil
}

// Apply executes every up migration. The schema uses IF NOT EXISTS
// throughout, so applying twice is harmless.
func Apply(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrations, err := Up()
	if err != nil {
		return 0, err
	}

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return 0, fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}
	}
	return len(migrations), nil
}
