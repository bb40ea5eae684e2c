// Package storagetest holds the conformance suite every storage.BlobStore
// implementation runs from its own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jmcleod/filedrop/storage"
)

// Run exercises store against the BlobStore contract. The store must be empty.
func Run(t *testing.T, store storage.BlobStore) {
	t.Helper()
	ctx := context.Background()

	put := func(t *testing.T, key, body, contentType string) {
		t.Helper()
		if err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), contentType); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}

	t.Run("PutAndGet", func(t *testing.T) {
		put(t, "files/2025-1-2/a.txt", "hello", "text/plain")

		obj, err := store.Get(ctx, "files/2025-1-2/a.txt")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		defer obj.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(obj.Body); err != nil {
			t.Fatalf("reading body: %v", err)
		}
		if buf.String() != "hello" {
			t.Errorf("got body %q, want %q", buf.String(), "hello")
		}
		if obj.ContentType != "text/plain" {
			t.Errorf("got content type %q, want %q", obj.ContentType, "text/plain")
		}
		if obj.Size != 5 {
			t.Errorf("got size %d, want 5", obj.Size)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		put(t, "files/2025-1-2/b.txt", "first", "text/plain")
		put(t, "files/2025-1-2/b.txt", "second", "text/plain")
		data, err := storage.ReadAll(ctx, store, "files/2025-1-2/b.txt")
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if string(data) != "second" {
			t.Errorf("got %q after overwrite, want %q", data, "second")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "files/missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		put(t, "keys/keys.json", "[]", "application/json")
		infos, err := store.List(ctx, "files/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(infos) != 2 {
			t.Fatalf("expected 2 objects under files/, got %d", len(infos))
		}
		if infos[0].Key != "files/2025-1-2/a.txt" || infos[1].Key != "files/2025-1-2/b.txt" {
			t.Errorf("unexpected keys or order: %q, %q", infos[0].Key, infos[1].Key)
		}
		if infos[0].LastModified.IsZero() {
			t.Error("expected LastModified to be set")
		}
	})

	t.Run("ListEmptyPrefix", func(t *testing.T) {
		infos, err := store.List(ctx, "nothing-here/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("expected no objects, got %d", len(infos))
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		if err := store.Delete(ctx, "files/2025-1-2/a.txt"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, "files/2025-1-2/a.txt"); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "files/2025-1-2/a.txt"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("JSONRoundTrip", func(t *testing.T) {
		type doc struct {
			Name string `json:"name"`
		}
		if err := storage.PutJSON(ctx, store, "setup/master.json", doc{Name: "x"}); err != nil {
			t.Fatalf("PutJSON failed: %v", err)
		}
		var got doc
		if err := storage.GetJSON(ctx, store, "setup/master.json", &got); err != nil {
			t.Fatalf("GetJSON failed: %v", err)
		}
		if got.Name != "x" {
			t.Errorf("got %q, want %q", got.Name, "x")
		}
	})
}
