package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
// 2 - Added sources.destination_limit_priority (additive migration)
const currentSchemaVersion = 2

// Store provides durable storage for attribution state.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open creates or opens the attribution database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement (report and ledger rows cascade with
//     their source)
//
// A failed integrity check or a schema version newer than this build
// recognizes destroys the file and starts fresh. Open is idempotent.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := openAndVerify(path)
	if err != nil {
		// Best-effort recovery: razeDatabase removes the file (and WAL
		// siblings) and the retry starts from an empty schema.
		log.Warn("attribution database unusable, recreating", "path", path, "error", err)
		if razeErr := razeDatabase(path); razeErr != nil {
			return nil, fmt.Errorf("raze corrupt database: %w", errors.Join(err, razeErr))
		}
		db, err = openAndVerify(path)
		if err != nil {
			return nil, fmt.Errorf("reopen after raze: %w", err)
		}
	}
	return &Store{db: db, path: path, log: log}, nil
}

func openAndVerify(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under the engine's single-writer discipline.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Tx wraps a single atomic transaction. All compound mutations of the
// resolver run through exactly one Tx; a rollback leaves no trace.
type Tx struct {
	tx *sql.Tx
}

// InTransaction runs fn inside one transaction, committing on nil and
// rolling back on error. Commit failure is returned as an error with
// prior state untouched.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// checkIntegrity runs SQLite's quick corruption scan. Lazily invoked on
// every open; failure triggers the raze-and-recreate path in Open.
func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check reported corruption: %s", result)
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		// A downgrade cannot interpret a future schema; treated the
		// same as corruption by the caller.
		return fmt.Errorf("schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if version == 0 {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	} else if version < currentSchemaVersion {
		if err := runMigrations(db, version); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations from the given version.
// Migrations here are additive and preserve data; a migration that
// cannot preserve data must instead bump the floor version below which
// applySchema recreates the database.
func runMigrations(db *sql.DB, from int) error {
	if from < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV2 adds the destination_limit_priority column for databases
// created before v2. New databases get it from schema.sql.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE sources
		ADD COLUMN destination_limit_priority INTEGER NOT NULL DEFAULT 0
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// razeDatabase deletes the database file and its WAL siblings.
func razeDatabase(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
