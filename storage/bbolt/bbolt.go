// Package bbolt provides a BBolt-backed blob store for single-node deployments
// that do not run an S3-compatible server.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/jmcleod/filedrop/storage"
)

var (
	blobBucket = []byte("blobs")
	metaBucket = []byte("meta")
)

type objectMeta struct {
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
}

// Store implements storage.BlobStore backed by a BBolt database.
// Object data and object metadata live in separate buckets so that List
// never reads blob contents.
type Store struct {
	db *bbolt.DB
}

var _ storage.BlobStore = (*Store)(nil)

// ErrDatabaseInUse is returned by NewStoreFromFile when another process
// holds the database file lock past the open timeout.
var ErrDatabaseInUse = errors.New("bolt database is in use by another process")

// NewStore returns a Store backed by the given BBolt database. A read-only
// database must already contain both buckets.
func NewStore(db *bbolt.DB) (*Store, error) {
	if db.IsReadOnly() {
		err := db.View(func(tx *bbolt.Tx) error {
			for _, name := range [][]byte{blobBucket, metaBucket} {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("bucket %q missing", name)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("checking buckets: %w", err)
		}
		return &Store{db: db}, nil
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
// Set options.Timeout to bound the wait for the file lock; a zero timeout
// waits forever.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("%s: %w", path, ErrDatabaseInUse)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body for %s: %w", key, err)
	}
	meta, err := json.Marshal(objectMeta{
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(blobBucket).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put([]byte(key), meta)
	})
}

func (s *Store) Get(_ context.Context, key string) (*storage.Object, error) {
	var (
		data []byte
		meta objectMeta
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blobBucket).Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), raw...)
		if m := tx.Bucket(metaBucket).Get([]byte(key)); m != nil {
			return json.Unmarshal(m, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &storage.Object{
		ObjectInfo: storage.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  meta.ContentType,
			LastModified: meta.LastModified,
		},
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(metaBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var meta objectMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decoding metadata for %s: %w", k, err)
			}
			infos = append(infos, storage.ObjectInfo{
				Key:          string(k),
				Size:         meta.Size,
				ContentType:  meta.ContentType,
				LastModified: meta.LastModified,
			})
		}
		return nil
	})
	return infos, err
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(blobBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
}
