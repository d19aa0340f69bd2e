package store

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pelletier/go-toml/v2"

	"github.com/coolkev/cicd/pkg/errkinds"
)

// migrationsFS holds the append-only, numbered migration files. New schema
// changes are added as new files here; existing files are never edited,
// mirroring the manifest embedding style of operator/pkg/manifests.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// listMigrationNames returns the sorted *.sql file names directly inside dir
// on fsys. Pulled out of migrate so it can be driven by an in-memory fs.FS
// (spf13/afero's afero.IOFS) in tests, independent of the embedded
// migrationsFS migrate itself uses at runtime.
func listMigrationNames(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// migrate applies every migration in migrations/ that schema_migrations does
// not yet record, in filename order, inside one connection, then refreshes
// the dbPath+".migrations.toml" sidecar so an operator inspecting the data
// directory by hand can see what has run without opening the database.
func migrate(ctx context.Context, db *sqlx.DB, dbPath string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}

	names, err := listMigrationNames(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	applied := map[string]bool{}
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errkinds.Wrap(errkinds.Io, err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	rows.Close()

	for _, name := range names {
		if applied[name] {
			continue
		}
		contents, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return errkinds.Wrap(errkinds.Io, err)
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errkinds.Wrap(errkinds.Io, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return errkinds.Wrapf(errkinds.Io, "migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, name); err != nil {
			_ = tx.Rollback()
			return errkinds.Wrap(errkinds.Io, err)
		}
		if err := tx.Commit(); err != nil {
			return errkinds.Wrap(errkinds.Io, err)
		}
		applied[name] = true
	}

	writeMigrationSidecar(dbPath, names)
	return nil
}

// migrationSidecar is the TOML shape written alongside the database file.
type migrationSidecar struct {
	Applied   []string  `toml:"applied"`
	CheckedAt time.Time `toml:"checked_at"`
}

// writeMigrationSidecar records the full set of applied migration names in
// a human-readable dbPath+".migrations.toml" file. Best-effort: an in-memory
// database (dbPath == ":memory:") or an unwritable directory never fails
// Open over this, since the sidecar is a convenience, not source of truth.
func writeMigrationSidecar(dbPath string, applied []string) {
	if dbPath == "" || dbPath == ":memory:" {
		return
	}
	b, err := toml.Marshal(migrationSidecar{Applied: applied, CheckedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	_ = os.WriteFile(dbPath+".migrations.toml", b, 0o644)
}
