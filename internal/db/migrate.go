package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
)

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<n>__<description>.up.sql files from a filesystem and
// refuses to run when an applied file has changed since it was recorded.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{
		db:    db,
		files: files,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// V1__offline_queue.up.sql
var upFileName = regexp.MustCompile(`^V(\d+)__(.+)\.up\.sql$`)

type migrationFile struct {
	version     int
	description string
	name        string
	sql         []byte
	checksum    string
}

// pending loads every up-migration file, sorted by version.
func (m *Migrator) pending() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		match := upFileName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version <= 0 {
			continue
		}
		content, err := fs.ReadFile(m.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:     version,
			description: match[2],
			name:        entry.Name(),
			sql:         content,
			checksum:    hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up verifies applied migrations against their files and applies the rest.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to get applied migrations", err)
	}
	recorded := make(map[int]string, len(applied))
	for _, mig := range applied {
		recorded[mig.Version] = mig.Checksum
	}

	files, err := m.pending()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to list migrations", err)
	}

	for _, f := range files {
		if checksum, ok := recorded[f.version]; ok {
			if checksum != f.checksum {
				return apperrors.New(apperrors.ErrMigration,
					fmt.Sprintf("migration V%d was modified after it was applied", f.version))
			}
			continue
		}
		if err := m.apply(f); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", f.version), err)
		}
		logging.Info("Applied migration", map[string]interface{}{"version": f.version, "description": f.description})
	}

	return nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(f migrationFile) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(f.sql)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum)
		VALUES (?, ?, ?, ?)`, f.version, time.Now().Unix(), f.description, f.checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to roll back")
	}

	matches, err := fs.Glob(m.files, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil || len(matches) == 0 {
		return apperrors.New(apperrors.ErrMigration, fmt.Sprintf("no rollback migration found for version %d", current))
	}
	content, err := fs.ReadFile(m.files, matches[0])
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read rollback migration", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to roll back V%d", current), err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to remove migration record", err)
	}
	return tx.Commit()
}
