package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
)

// SQLiteDB represents the SQLite implementation of the Database interface.
type SQLiteDB struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewSQLiteDB initializes a new SQLiteDB instance.
func NewSQLiteDB(dataSourceName string, logger *logrus.Logger) (*SQLiteDB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}

	// Set connection pool parameters
	db.SetMaxOpenConns(1) // SQLite3 doesn't support multiple writers well.

	abs, _ := filepath.Abs(dataSourceName)
	sqliteDB := &SQLiteDB{
		db:     db,
		path:   abs,
		logger: logger,
	}

	if err := sqliteDB.Initialize(context.TODO()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return sqliteDB, nil
}

func (s *SQLiteDB) Close(context.Context) error {
	return s.db.Close()
}

// StatePaths returns the database file and its journal companions.
func (s *SQLiteDB) StatePaths() []string {
	return []string{s.path, s.path + "-journal", s.path + "-wal", s.path + "-shm"}
}

// Initialize creates the necessary tables and indexes.
func (s *SQLiteDB) Initialize(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS baseline_meta (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        version INTEGER NOT NULL,
        root TEXT NOT NULL,
        generated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS baseline_files (
        path TEXT PRIMARY KEY,
        digest TEXT NOT NULL
    );

	-- Blacklisted Tokens
	CREATE TABLE IF NOT EXISTS blacklisted_tokens (
		token TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blacklisted_tokens_expires_at ON blacklisted_tokens(expires_at);
    `
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// SaveBaseline replaces the baseline tables inside one transaction.
func (s *SQLiteDB) SaveBaseline(ctx context.Context, baseline models.Baseline) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", models.ErrIOFailure, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM baseline_files; DELETE FROM baseline_meta;`); err != nil {
		return fmt.Errorf("%w: clear baseline: %v", models.ErrIOFailure, err)
	}

	version := baseline.Version
	if version == 0 {
		version = models.BaselineVersion
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO baseline_meta (id, version, root, generated_at) VALUES (1, ?, ?, ?)`,
		version, baseline.Root, baseline.GeneratedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert meta: %v", models.ErrIOFailure, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO baseline_files (path, digest) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", models.ErrIOFailure, err)
	}
	defer stmt.Close()
	for path, digest := range baseline.Files {
		if _, err = stmt.ExecContext(ctx, path, digest); err != nil {
			return fmt.Errorf("%w: insert %s: %v", models.ErrIOFailure, path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrIOFailure, err)
	}
	s.logger.WithField("files", baseline.Len()).Info("Baseline saved")
	return nil
}

// LoadBaseline reads the baseline tables.
func (s *SQLiteDB) LoadBaseline(ctx context.Context) (models.Baseline, error) {
	var (
		baseline       models.Baseline
		generatedAtStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, root, generated_at FROM baseline_meta WHERE id = 1`,
	).Scan(&baseline.Version, &baseline.Root, &generatedAtStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Baseline{}, models.ErrBaselineNotFound
		}
		s.logger.WithError(err).Error("LoadBaseline: failed to read metadata")
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrIOFailure, err)
	}
	baseline.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAtStr)
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: invalid generated_at: %v", models.ErrCorruptBaseline, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, digest FROM baseline_files`)
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrIOFailure, err)
	}
	defer rows.Close()

	baseline.Files = make(map[string]string)
	for rows.Next() {
		var path, digest string
		if err := rows.Scan(&path, &digest); err != nil {
			return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrCorruptBaseline, err)
		}
		baseline.Files[path] = digest
	}
	if err := rows.Err(); err != nil {
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrIOFailure, err)
	}
	return baseline, nil
}

// DeleteBaseline clears the baseline tables.
func (s *SQLiteDB) DeleteBaseline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM baseline_files; DELETE FROM baseline_meta;`)
	return err
}

// AddBlacklistedToken adds a token string to the blacklist with its expiration time.
func (s *SQLiteDB) AddBlacklistedToken(ctx context.Context, tokenString string, exp int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blacklisted_tokens (token, expires_at) VALUES (?, ?)`,
		tokenString, exp)
	return err
}

// IsTokenBlacklisted checks if a token is in the blacklist.
// If the token is expired, it removes it from the blacklist.
func (s *SQLiteDB) IsTokenBlacklisted(ctx context.Context, tokenString string) (bool, error) {
	var exp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM blacklisted_tokens WHERE token = ?`, tokenString).Scan(&exp)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if time.Unix(exp, 0).Before(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM blacklisted_tokens WHERE token = ?`, tokenString); err != nil {
			s.logger.WithError(err).Warn("Failed to purge expired token")
		}
		return false, nil
	}
	return true, nil
}
