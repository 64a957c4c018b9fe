package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"nexus/migrations"
	"nexus/pkg/logging"
	"nexus/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf  = log.Fatalf
	loadDotenv = func() { _ = godotenv.Load() }
	openDBFn   = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	loadDotenv()
	logging.Setup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if _, err := runMigrations(ctx, pool, migrationSource(os.Getenv("MIGRATIONS_DIR")), slog.Default()); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationSource prefers an on-disk directory so operators can stage a fix
// without rebuilding; otherwise the schema compiled into the binary is used.
func migrationSource(dir string) fs.FS {
	if dir = strings.TrimSpace(dir); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// validateMigrationName accepts only top-level .sql files of the source.
func validateMigrationName(name string) error {
	if !fs.ValidPath(name) || path.Dir(name) != "." || path.Ext(name) != ".sql" {
		return fmt.Errorf("invalid migration path: %s", name)
	}
	return nil
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies pending files in name order, one transaction each,
// and returns how many were applied. A file whose content no longer matches
// the checksum recorded when it was applied stops the run.
func runMigrations(ctx context.Context, db migrationDB, src fs.FS, logger *slog.Logger) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if src == nil {
		return 0, errors.New("migration source required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		if err := validateMigrationName(name); err != nil {
			return applied, err
		}
		raw, err := fs.ReadFile(src, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(raw)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != sum {
				return applied, fmt.Errorf("migration %s changed after it was applied", name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(raw)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logger.Info("applied migration", "file", name)
	}

	logger.Info("migrations complete", "files", len(files), "applied", applied)
	return applied, nil
}
