// Package storage provides the blob store abstraction every other package
// persists through. Keys are slash-separated object names; the store has no
// notion of directories beyond prefix listing.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Object is an open object returned by Get. The caller must close Body.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

// BlobStore is a key-value object store.
//
// Put and Delete are idempotent: Put overwrites, Delete of a missing key
// succeeds. Get returns an error wrapping ErrNotFound for missing keys.
// List returns every object whose key starts with prefix, in key order.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// ReadAll fetches key and returns its full contents.
func ReadAll(ctx context.Context, s BlobStore, key string) ([]byte, error) {
	obj, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// GetJSON fetches key and decodes it into v.
func GetJSON(ctx context.Context, s BlobStore, key string, v any) error {
	data, err := ReadAll(ctx, s, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v as indented JSON and stores it under key.
func PutJSON(ctx context.Context, s BlobStore, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json")
}
