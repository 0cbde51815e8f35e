package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/walker"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds the number of files hashed at once.
const DefaultConcurrency = 8

// DigestReader streams r through SHA-256 and returns the hex digest.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest returns the content digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return DigestReader(f)
}

// Record fingerprints a single file.
func Record(path string) (models.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.FileRecord{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.FileRecord{}, err
	}
	digest, err := DigestReader(f)
	if err != nil {
		return models.FileRecord{}, err
	}
	return models.FileRecord{
		Path:       path,
		Digest:     digest,
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}

// Result holds the fingerprints of one pass over a root.
type Result struct {
	Root    string
	Records map[string]models.FileRecord
	Errors  []error
}

// Baseline converts the pass into a baseline mapping.
func (r *Result) Baseline() models.Baseline {
	b := models.NewBaseline(r.Root)
	for path, rec := range r.Records {
		b.Files[path] = rec.Digest
	}
	return b
}

// Fingerprinter hashes file trees with a bounded worker pool.
type Fingerprinter struct {
	walker *walker.Walker
	sem    *semaphore.Weighted
	logger *logrus.Logger
}

// New creates a Fingerprinter. concurrency <= 0 uses DefaultConcurrency.
func New(w *walker.Walker, concurrency int64, logger *logrus.Logger) *Fingerprinter {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fingerprinter{
		walker: w,
		sem:    semaphore.NewWeighted(concurrency),
		logger: logger,
	}
}

// Hash fingerprints every file under root. Files that vanish between
// enumeration and read are left out of the result. The returned error is
// non-nil only when ctx ended the pass early; the result is then incomplete.
func (f *Fingerprinter) Hash(ctx context.Context, root string) (*Result, error) {
	result := &Result{
		Root:    root,
		Records: make(map[string]models.FileRecord),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for path, err := range f.walker.Walk(ctx, root) {
		if err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, err)
			mu.Unlock()
			continue
		}
		if err := f.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			defer f.sem.Release(1)

			rec, err := Record(p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					f.logger.WithField("path", p).Debug("File vanished before it could be hashed")
					return
				}
				result.Errors = append(result.Errors, models.NewPathError("hash", p, err))
				return
			}
			result.Records[p] = rec
		}(path)
	}

	wg.Wait()
	return result, ctx.Err()
}

// Build walks root and returns its full baseline along with per-file errors.
// A cancelled build returns an error and must not be persisted.
func (f *Fingerprinter) Build(ctx context.Context, root string) (models.Baseline, []error, error) {
	result, err := f.Hash(ctx, root)
	if err != nil {
		return models.Baseline{}, result.Errors, err
	}
	baseline := result.Baseline()
	f.logger.WithFields(logrus.Fields{
		"root":   root,
		"files":  baseline.Len(),
		"errors": len(result.Errors),
	}).Info("Baseline built")
	return baseline, result.Errors, nil
}
