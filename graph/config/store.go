package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/stagegraph/graph/store"
)

// OpenStore opens the configured cache backend. The caller owns the store
// and must close it.
//
// Paths default to locations under output_dir:
//   - file:   <output_dir>/cache
//   - sqlite: <output_dir>/cache.db
//   - pebble: <output_dir>/pebble
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	outputDir := c.resolve(c.OutputDir)
	dsn := os.ExpandEnv(c.Cache.DSN)

	pathOr := func(def string) (string, error) {
		if dsn != "" {
			return c.resolve(dsn), nil
		}
		if outputDir == "" {
			return "", fmt.Errorf("cache backend %q needs cache.dsn or output_dir", c.backend())
		}
		return filepath.Join(outputDir, def), nil
	}

	switch c.backend() {
	case "file":
		dir, err := pathOr("cache")
		if err != nil {
			return nil, err
		}
		return store.NewFileStore(dir)
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		path, err := pathOr("cache.db")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store.NewSQLiteStore(path)
	case "mysql":
		return store.NewMySQLStore(dsn)
	case "pebble":
		dir, err := pathOr("pebble")
		if err != nil {
			return nil, err
		}
		return store.NewPebbleStore(dir)
	case "s3":
		s3 := c.Cache.S3
		return store.NewS3Store(ctx, store.S3Config{
			Endpoint:  os.ExpandEnv(s3.Endpoint),
			AccessKey: os.ExpandEnv(s3.AccessKey),
			SecretKey: os.ExpandEnv(s3.SecretKey),
			Secure:    s3.Secure,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
		})
	}
	return nil, fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
}

func (c *Config) backend() string {
	if c.Cache.Backend == "" {
		return "file"
	}
	return c.Cache.Backend
}
