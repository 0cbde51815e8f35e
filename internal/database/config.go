package database

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DatabaseConfig holds the database-related configuration.
type DatabaseConfig struct {
	Type        string
	Path        string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
}

// LoadDatabaseConfig loads database configuration from environment variables.
func LoadDatabaseConfig() (*DatabaseConfig, error) {
	dbType := os.Getenv("DATABASE_TYPE")
	if dbType == "" {
		dbType = "file"
	}

	config := &DatabaseConfig{
		Type: dbType,
		Path: os.Getenv("DATABASE_PATH"),
	}

	switch dbType {
	case "file":
		if config.Path == "" {
			config.Path = "antideface-baseline.json"
		}
	case "bolt", "sqlite":
		if config.Path == "" {
			return nil, fmt.Errorf("DATABASE_PATH is required for %s", dbType)
		}
	case "redis":
		config.RedisAddr = os.Getenv("REDIS_ADDR")
		if config.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for RedisDB")
		}
		config.RedisPass = os.Getenv("REDIS_PASSWORD")
		config.RedisPrefix = os.Getenv("REDIS_PREFIX")
		if config.RedisPrefix == "" {
			config.RedisPrefix = "antideface:"
		}
		dbStr := os.Getenv("REDIS_DB")
		if dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_DB value: %v", err)
			}
			config.RedisDB = db
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_TYPE: %s", dbType)
	}

	return config, nil
}

// Open initializes the backend selected by cfg.
func Open(cfg *DatabaseConfig, logger *logrus.Logger) (Database, error) {
	switch cfg.Type {
	case "file":
		return NewFileDB(cfg.Path, logger)
	case "bolt":
		return NewBoltDB(cfg.Path, logger)
	case "sqlite":
		return NewSQLiteDB(cfg.Path, logger)
	case "redis":
		return NewRedisDB(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
