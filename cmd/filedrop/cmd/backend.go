package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/filedrop/config"
	"github.com/jmcleod/filedrop/storage"
	bboltstorage "github.com/jmcleod/filedrop/storage/bbolt"
	"github.com/jmcleod/filedrop/storage/memory"
	s3storage "github.com/jmcleod/filedrop/storage/s3"
)

// boltLockTimeout bounds the wait for the bolt file lock, which a running
// server holds for its whole lifetime.
const boltLockTimeout = time.Second

// openStore returns the configured blob store and a function releasing it.
func openStore(cfg config.Config, logger *slog.Logger) (storage.BlobStore, func() error, error) {
	return openBackend(cfg, logger, false)
}

// openStoreReadOnly is openStore for commands that never write. A bolt
// database is opened read-only and must already exist.
func openStoreReadOnly(cfg config.Config, logger *slog.Logger) (storage.BlobStore, func() error, error) {
	return openBackend(cfg, logger, true)
}

func openBackend(cfg config.Config, logger *slog.Logger, readOnly bool) (storage.BlobStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Storage.Backend {
	case config.BackendS3:
		s := cfg.Storage.S3
		store := s3storage.New(s3storage.Config{
			Endpoint:        s.Endpoint,
			Region:          s.Region,
			Bucket:          s.Bucket,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			UsePathStyle:    s.UsePathStyle,
		}, logger)
		return store, noop, nil

	case config.BackendBolt:
		opts := &bbolt.Options{Timeout: boltLockTimeout, ReadOnly: readOnly}
		if !readOnly {
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.BoltPath), 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		store, err := bboltstorage.NewStoreFromFile(cfg.Storage.BoltPath, opts)
		if errors.Is(err, bboltstorage.ErrDatabaseInUse) {
			return nil, nil, fmt.Errorf("database in use: %s is locked by another filedrop process (is the server running?): %w",
				cfg.Storage.BoltPath, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		return store, store.Close, nil

	case config.BackendMemory:
		logger.Warn("using in-memory storage; files are lost on restart")
		return memory.NewStore(), noop, nil
	}
	return nil, nil, config.ErrUnknownBackend
}
