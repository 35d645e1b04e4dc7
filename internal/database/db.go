package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn, err := buildSQLiteDSN(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// SetMaxConnections applies the configured pool size
func (db *DB) SetMaxConnections(n int) {
	if n <= 0 {
		return
	}
	db.SetMaxOpenConns(n)
	if n < 2 {
		db.SetMaxIdleConns(n)
	}
}

func buildSQLiteDSN(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	// Ensure forward slashes for SQLite file URI
	absPath = strings.ReplaceAll(absPath, "\\", "/")

	// Apply pragmas on every connection
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath), nil
}

// Migrate runs all pending migrations and returns the versions it applied
func (db *DB) Migrate() ([]string, error) {
	if err := db.createMigrationsTable(); err != nil {
		return nil, err
	}

	appliedMigrations, err := db.getAppliedMigrations()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, migration := range migrations {
		if _, ok := appliedMigrations[migration.Version]; ok {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return applied, fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("failed to execute migration %s: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, datetime('now'))", migration.Version); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %s: %w", migration.Version, err)
		}

		applied = append(applied, migration.Version)
	}

	return applied, nil
}

// Rollback reverts the most recently applied migration
func (db *DB) Rollback() (string, error) {
	var version string
	err := db.QueryRow("SELECT version FROM migrations ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find last migration: %w", err)
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == version {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("unknown migration %s", version)
	}

	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(target.Down); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to revert migration %s: %w", version, err)
	}
	if _, err := tx.Exec("DELETE FROM migrations WHERE version = ?", version); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to unrecord migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit rollback of %s: %w", version, err)
	}
	return version, nil
}

func (db *DB) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`
	_, err := db.Exec(query)
	return err
}

func (db *DB) getAppliedMigrations() (map[string]struct{}, error) {
	rows, err := db.Query("SELECT version FROM migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = struct{}{}
	}

	return versions, rows.Err()
}
