// Package memory provides a thread-safe in-memory implementation of storage.BlobStore.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/filedrop/storage"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store is a thread-safe in-memory blob store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]object
	now  func() time.Time
}

var _ storage.BlobStore = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]object), now: time.Now}
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body for %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = object{data: data, contentType: contentType, modified: s.now()}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (*storage.Object, error) {
	s.mu.RLock()
	obj, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	data := append([]byte(nil), obj.data...)
	return &storage.Object{
		ObjectInfo: storage.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		},
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []storage.ObjectInfo
	for k, obj := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		infos = append(infos, storage.ObjectInfo{
			Key:          k,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// SetModTime overrides the modification time of an existing object.
// Tests use it to age objects.
func (s *Store) SetModTime(key string, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.data[key]
	if !ok {
		return false
	}
	obj.modified = t
	s.data[key] = obj
	return true
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
