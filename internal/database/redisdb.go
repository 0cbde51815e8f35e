package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
)

// RedisDB implements the Database interface using Redis.
type RedisDB struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// NewRedisDB initializes a new RedisDB instance.
func NewRedisDB(cfg *DatabaseConfig, logger *logrus.Logger) (*RedisDB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &RedisDB{
		client: rdb,
		prefix: cfg.RedisPrefix,
		logger: logger,
	}, nil
}

func (r *RedisDB) filesKey() string { return r.prefix + "baseline:files" }
func (r *RedisDB) metaKey() string  { return r.prefix + "baseline:meta" }

// Initialize sets up necessary Redis structures if needed.
func (r *RedisDB) Initialize(ctx context.Context) error {
	// Redis is schema-less.
	return nil
}

// Close closes the Redis client connection.
func (r *RedisDB) Close(ctx context.Context) error {
	return r.client.Close()
}

// StatePaths returns nothing; Redis state lives outside the file tree.
func (r *RedisDB) StatePaths() []string {
	return nil
}

// SaveBaseline replaces the baseline inside a MULTI/EXEC transaction.
func (r *RedisDB) SaveBaseline(ctx context.Context, baseline models.Baseline) error {
	version := baseline.Version
	if version == 0 {
		version = models.BaselineVersion
	}
	files := make(map[string]interface{}, len(baseline.Files))
	for path, digest := range baseline.Files {
		files[path] = digest
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.filesKey(), r.metaKey())
		if len(files) > 0 {
			pipe.HSet(ctx, r.filesKey(), files)
		}
		pipe.HSet(ctx, r.metaKey(), map[string]interface{}{
			"version":      version,
			"root":         baseline.Root,
			"generated_at": baseline.GeneratedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save baseline to redis: %v", models.ErrIOFailure, err)
	}
	r.logger.WithField("files", baseline.Len()).Info("Baseline saved")
	return nil
}

// LoadBaseline reads the baseline hashes.
func (r *RedisDB) LoadBaseline(ctx context.Context) (models.Baseline, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey()).Result()
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrIOFailure, err)
	}
	if len(meta) == 0 {
		return models.Baseline{}, models.ErrBaselineNotFound
	}
	version, err := strconv.Atoi(meta["version"])
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: invalid version: %v", models.ErrCorruptBaseline, err)
	}
	generatedAt, err := time.Parse(time.RFC3339Nano, meta["generated_at"])
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: invalid generated_at: %v", models.ErrCorruptBaseline, err)
	}
	files, err := r.client.HGetAll(ctx, r.filesKey()).Result()
	if err != nil {
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrIOFailure, err)
	}
	return models.Baseline{
		Version:     version,
		Root:        meta["root"],
		GeneratedAt: generatedAt,
		Files:       files,
	}, nil
}

// DeleteBaseline removes the baseline keys.
func (r *RedisDB) DeleteBaseline(ctx context.Context) error {
	return r.client.Del(ctx, r.filesKey(), r.metaKey()).Err()
}

// AddBlacklistedToken adds a token string to the blacklist with its expiration time.
func (r *RedisDB) AddBlacklistedToken(ctx context.Context, tokenString string, exp int64) error {
	ttl := time.Until(time.Unix(exp, 0))
	if ttl <= 0 {
		// Token already expired; no need to blacklist
		return nil
	}
	key := fmt.Sprintf("%sblacklist:%s", r.prefix, tokenString)
	return r.client.Set(ctx, key, "1", ttl).Err()
}

// IsTokenBlacklisted checks if a token is in the blacklist.
func (r *RedisDB) IsTokenBlacklisted(ctx context.Context, tokenString string) (bool, error) {
	key := fmt.Sprintf("%sblacklist:%s", r.prefix, tokenString)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}
