package database

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
	"go.etcd.io/bbolt"
)

var (
	bucketBaseline     = []byte("Baseline")
	bucketBaselineMeta = []byte("BaselineMeta")
	bucketTokens       = []byte("BlacklistedTokens")
)

// BoltDB implements the Database interface using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	path   string
	logger *logrus.Logger
}

// NewBoltDB initializes a new BoltDB instance.
func NewBoltDB(path string, logger *logrus.Logger) (*BoltDB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	abs, _ := filepath.Abs(path)

	boltDB := &BoltDB{
		db:     db,
		path:   abs,
		logger: logger,
	}
	if err := boltDB.Initialize(context.TODO()); err != nil {
		db.Close()
		return nil, err
	}
	return boltDB, nil
}

// Initialize sets up the necessary buckets.
func (b *BoltDB) Initialize(ctx context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTokens)
		if err != nil {
			return fmt.Errorf("create BlacklistedTokens bucket: %v", err)
		}
		return nil
	})
}

func (b *BoltDB) Close(context.Context) error {
	return b.db.Close()
}

// StatePaths returns the bolt file path.
func (b *BoltDB) StatePaths() []string {
	return []string{b.path}
}

// SaveBaseline replaces both baseline buckets inside one transaction.
func (b *BoltDB) SaveBaseline(ctx context.Context, baseline models.Baseline) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBaseline, bucketBaselineMeta} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		files, err := tx.CreateBucket(bucketBaseline)
		if err != nil {
			return err
		}
		for path, digest := range baseline.Files {
			if err := files.Put([]byte(path), []byte(digest)); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucket(bucketBaselineMeta)
		if err != nil {
			return err
		}
		version := baseline.Version
		if version == 0 {
			version = models.BaselineVersion
		}
		if err := meta.Put([]byte("version"), []byte(strconv.Itoa(version))); err != nil {
			return err
		}
		if err := meta.Put([]byte("root"), []byte(baseline.Root)); err != nil {
			return err
		}
		return meta.Put([]byte("generated_at"), []byte(baseline.GeneratedAt.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save baseline to bolt: %v", models.ErrIOFailure, err)
	}
	b.logger.WithField("files", baseline.Len()).Info("Baseline saved")
	return nil
}

// LoadBaseline reads the baseline buckets.
func (b *BoltDB) LoadBaseline(ctx context.Context) (models.Baseline, error) {
	var baseline models.Baseline
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketBaselineMeta)
		files := tx.Bucket(bucketBaseline)
		if meta == nil || files == nil {
			return models.ErrBaselineNotFound
		}
		version, err := strconv.Atoi(string(meta.Get([]byte("version"))))
		if err != nil {
			return fmt.Errorf("%w: invalid version: %v", models.ErrCorruptBaseline, err)
		}
		generatedAt, err := time.Parse(time.RFC3339Nano, string(meta.Get([]byte("generated_at"))))
		if err != nil {
			return fmt.Errorf("%w: invalid generated_at: %v", models.ErrCorruptBaseline, err)
		}
		baseline = models.Baseline{
			Version:     version,
			Root:        string(meta.Get([]byte("root"))),
			GeneratedAt: generatedAt,
			Files:       make(map[string]string, files.Stats().KeyN),
		}
		return files.ForEach(func(k, v []byte) error {
			baseline.Files[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return models.Baseline{}, err
	}
	return baseline, nil
}

// DeleteBaseline drops the baseline buckets.
func (b *BoltDB) DeleteBaseline(ctx context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBaseline, bucketBaselineMeta} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete %s bucket: %v", name, err)
			}
		}
		return nil
	})
}

// AddBlacklistedToken adds a token string to the blacklist with its expiration time.
func (b *BoltDB) AddBlacklistedToken(ctx context.Context, token string, exp int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTokens)
		if bucket == nil {
			return fmt.Errorf("BlacklistedTokens bucket does not exist")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(exp))
		return bucket.Put([]byte(token), buf)
	})
}

// IsTokenBlacklisted checks if a token is in the blacklist.
func (b *BoltDB) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	var exp int64
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTokens)
		if bucket == nil {
			return fmt.Errorf("BlacklistedTokens bucket does not exist")
		}
		v := bucket.Get([]byte(token))
		if len(v) == 8 {
			exp = int64(binary.BigEndian.Uint64(v))
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return false, err
	}
	if time.Unix(exp, 0).Before(time.Now()) {
		err := b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketTokens).Delete([]byte(token))
		})
		if err != nil {
			b.logger.WithError(err).Warn("Failed to purge expired token")
		}
		return false, nil
	}
	return true, nil
}
