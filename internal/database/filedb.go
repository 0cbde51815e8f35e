package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/fsutil"
)

// FileDB stores the baseline as a single JSON document replaced atomically.
// Spent tokens are kept in memory since they expire within minutes.
type FileDB struct {
	path   string
	logger *logrus.Logger

	mu     sync.Mutex
	tokens map[string]int64
}

// NewFileDB initializes a FileDB writing its document to path.
func NewFileDB(path string, logger *logrus.Logger) (*FileDB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve baseline path: %w", err)
	}
	db := &FileDB{
		path:   abs,
		logger: logger,
		tokens: make(map[string]int64),
	}
	if err := db.Initialize(context.TODO()); err != nil {
		return nil, err
	}
	return db, nil
}

// Initialize ensures the parent directory exists.
func (f *FileDB) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return models.NewPathError("mkdir", filepath.Dir(f.path), err)
	}
	return nil
}

func (f *FileDB) Close(context.Context) error {
	return nil
}

// StatePaths returns the baseline document path.
func (f *FileDB) StatePaths() []string {
	return []string{f.path}
}

// SaveBaseline writes the document to a temporary file and renames it over
// the destination.
func (f *FileDB) SaveBaseline(ctx context.Context, baseline models.Baseline) error {
	data, err := EncodeBaseline(baseline)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fsutil.WriteFileAtomic(f.path, data, 0o600); err != nil {
		return models.NewPathError("save baseline", f.path, err)
	}
	f.logger.WithFields(logrus.Fields{
		"path":  f.path,
		"files": baseline.Len(),
	}).Info("Baseline saved")
	return nil
}

// LoadBaseline reads the document from disk.
func (f *FileDB) LoadBaseline(ctx context.Context) (models.Baseline, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Baseline{}, models.ErrBaselineNotFound
		}
		return models.Baseline{}, models.NewPathError("load baseline", f.path, err)
	}
	b, err := DecodeBaseline(data)
	if err != nil {
		f.logger.WithError(err).WithField("path", f.path).Error("Baseline document is corrupt")
		return models.Baseline{}, err
	}
	return b, nil
}

// DeleteBaseline removes the document.
func (f *FileDB) DeleteBaseline(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.NewPathError("delete baseline", f.path, err)
	}
	return nil
}

// AddBlacklistedToken adds a token string to the blacklist with its expiration time.
func (f *FileDB) AddBlacklistedToken(ctx context.Context, token string, exp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Unix(exp, 0).Before(time.Now()) {
		return nil
	}
	f.tokens[token] = exp
	return nil
}

// IsTokenBlacklisted checks if a token is in the blacklist.
func (f *FileDB) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.tokens[token]
	if !ok {
		return false, nil
	}
	if time.Unix(exp, 0).Before(time.Now()) {
		delete(f.tokens, token)
		return false, nil
	}
	return true, nil
}
