// Package keys manages the registry of upload-scoped API keys. The registry
// is one JSON document in the blob store; entries are only ever appended or
// flipped to revoked.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/internal/util"
	"github.com/jmcleod/filedrop/storage"
)

// DocumentKey is the storage key of the registry document.
const DocumentKey = "keys/keys.json"

// tokenBytes is the entropy of a generated key (128 bits).
const tokenBytes = 16

// APIKey is one registry entry.
type APIKey struct {
	Key       string     `json:"key"`
	Name      *string    `json:"name"`
	Expires   *time.Time `json:"expires"`
	Created   time.Time  `json:"created"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`

	// rawExpires holds an "expires" value that could not be parsed.
	rawExpires json.RawMessage
}

// Valid reports whether k is usable at now.
func (k APIKey) Valid(now time.Time) bool {
	if k.Revoked || k.rawExpires != nil {
		return false
	}
	return k.Expires == nil || !now.After(*k.Expires)
}

// DisplayName is the name recorded against uploads made with k.
func (k APIKey) DisplayName() string {
	if k.Name != nil && *k.Name != "" {
		return *k.Name
	}
	prefix := k.Key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "Key-" + prefix + "..."
}

// Registry reads and rewrites the key document.
//
// Writers are not serialized: two concurrent Create calls can race and the
// last write wins.
type Registry struct {
	store storage.BlobStore
	now   func() time.Time
}

func NewRegistry(store storage.BlobStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

func (r *Registry) load(ctx context.Context) ([]APIKey, error) {
	var list []APIKey
	err := storage.GetJSON(ctx, r.store, DocumentKey, &list)
	if errors.Is(err, storage.ErrNotFound) {
		return []APIKey{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read key registry", err)
	}
	if list == nil {
		list = []APIKey{}
	}
	return list, nil
}

func (r *Registry) save(ctx context.Context, list []APIKey) error {
	if err := storage.PutJSON(ctx, r.store, DocumentKey, list); err != nil {
		return errs.Wrap(errs.Internal, "failed to write key registry", err)
	}
	return nil
}

// Create appends a new, unrevoked key. An empty name is stored as null.
func (r *Registry) Create(ctx context.Context, name *string, expires *time.Time) (APIKey, error) {
	list, err := r.load(ctx)
	if err != nil {
		return APIKey{}, err
	}
	token, err := util.RandomHex(tokenBytes)
	if err != nil {
		return APIKey{}, errs.Wrap(errs.Internal, "failed to generate key", err)
	}
	if name != nil && *name == "" {
		name = nil
	}
	k := APIKey{
		Key:     token,
		Name:    name,
		Expires: expires,
		Created: r.now().UTC(),
	}
	if err := r.save(ctx, append(list, k)); err != nil {
		return APIKey{}, err
	}
	return k, nil
}

// List returns every entry, revoked and expired included.
func (r *Registry) List(ctx context.Context) ([]APIKey, error) {
	return r.load(ctx)
}

// Revoke flips the first unrevoked entry matching token. It reports false,
// and leaves the document untouched, when there is nothing to revoke.
func (r *Registry) Revoke(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, errs.New(errs.InvalidInput, "key required")
	}
	list, err := r.load(ctx)
	if err != nil {
		return false, err
	}
	for i := range list {
		if list[i].Key == token && !list[i].Revoked {
			now := r.now().UTC()
			list[i].Revoked = true
			list[i].RevokedAt = &now
			if err := r.save(ctx, list); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Lookup returns the entry for token if it is currently valid. Registry
// read failures are reported as not found.
func (r *Registry) Lookup(ctx context.Context, token string) (APIKey, bool) {
	if token == "" {
		return APIKey{}, false
	}
	list, err := r.load(ctx)
	if err != nil {
		return APIKey{}, false
	}
	for _, k := range list {
		if k.Key == token && !k.Revoked {
			if !k.Valid(r.now()) {
				return APIKey{}, false
			}
			return k, true
		}
	}
	return APIKey{}, false
}

func (r *Registry) Validate(ctx context.Context, token string) bool {
	_, ok := r.Lookup(ctx, token)
	return ok
}
