package master

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/internal/util"
	"github.com/jmcleod/filedrop/storage"
	"github.com/jmcleod/filedrop/storage/memory"
)

const (
	firstKey  = "correct horse battery"
	secondKey = "staple the horse again"
)

func testHasher() Hasher {
	return Argon2idHasher{Params: util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, SaltLen: 16, KeyLen: 32}}
}

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewManager(store, WithHasher(testHasher())), store
}

func allow() error { return nil }

func deny() error { return errs.New(errs.Unauthenticated, "no session") }

func mustNotCall(t *testing.T) func() error {
	return func() error {
		t.Fatal("authorize must not be called during bootstrap")
		return nil
	}
}

func TestBootstrap(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	st := m.Status(ctx)
	assert.False(t, st.MasterKeyExists)
	assert.Nil(t, st.MasterInfo)
	assert.False(t, m.Verify(ctx, firstKey))

	initial, err := m.Set(ctx, firstKey, "", mustNotCall(t))
	require.NoError(t, err)
	assert.True(t, initial)

	assert.True(t, m.Verify(ctx, firstKey))
	assert.False(t, m.Verify(ctx, secondKey))
	assert.False(t, m.Verify(ctx, ""))

	st = m.Status(ctx)
	assert.True(t, st.MasterKeyExists)
	require.NotNil(t, st.MasterInfo)
	assert.False(t, st.MasterInfo.SetAt.IsZero())

	var rec Record
	require.NoError(t, storage.GetJSON(ctx, store, RecordKey, &rec))
	assert.True(t, strings.HasPrefix(rec.Hash, "$argon2id$"))

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "argon2id")
	assert.NotContains(t, string(data), "hash")
}

func TestRotate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Set(ctx, firstKey, "", allow)
	require.NoError(t, err)

	_, err = m.Set(ctx, secondKey, firstKey, deny)
	assert.ErrorIs(t, err, errs.Unauthenticated)

	_, err = m.Set(ctx, secondKey, "", allow)
	assert.ErrorIs(t, err, errs.Unauthenticated)
	assert.Equal(t, "current master key required to reset", errs.Message(err))

	_, err = m.Set(ctx, secondKey, "wrong current key", allow)
	assert.ErrorIs(t, err, errs.Forbidden)
	assert.True(t, m.Verify(ctx, firstKey), "failed rotation must not change the credential")

	initial, err := m.Set(ctx, secondKey, firstKey, allow)
	require.NoError(t, err)
	assert.False(t, initial)
	assert.True(t, m.Verify(ctx, secondKey))
	assert.False(t, m.Verify(ctx, firstKey))
}

func TestSetRejectsShortKey(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Set(context.Background(), "short", "", allow)
	assert.ErrorIs(t, err, errs.InvalidInput)

	// Twelve characters, more than twelve bytes.
	initial, err := m.Set(context.Background(), "pässwörd-ÿes", "", allow)
	require.NoError(t, err)
	assert.True(t, initial)
}

func TestNormalization(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	composed := "caf\u00e9-passphrase"
	decomposed := "cafe\u0301-passphrase"

	_, err := m.Set(ctx, composed, "", allow)
	require.NoError(t, err)
	assert.True(t, m.Verify(ctx, decomposed))
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Get(context.Context, string) (*storage.Object, error) {
	return nil, errors.New("timeout")
}

func TestStoreFailures(t *testing.T) {
	m := NewManager(failingStore{memory.NewStore()}, WithHasher(testHasher()))
	ctx := context.Background()

	assert.Equal(t, Status{}, m.Status(ctx))
	assert.False(t, m.Verify(ctx, firstKey))

	// An unreadable credential must not be treated as a fresh install.
	_, err := m.Set(ctx, firstKey, "", allow)
	assert.ErrorIs(t, err, errs.Internal)
	assert.ErrorIs(t, m.SaveWebAuthn(ctx, json.RawMessage(`{}`), allow), errs.Internal)
}

func TestSaveWebAuthn(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.SaveWebAuthn(ctx, nil, mustNotCall(t)), errs.InvalidInput)
	assert.ErrorIs(t, m.SaveWebAuthn(ctx, json.RawMessage("null"), mustNotCall(t)), errs.InvalidInput)

	require.NoError(t, m.SaveWebAuthn(ctx, json.RawMessage(`{"id":"abc"}`), mustNotCall(t)))
	data, err := storage.ReadAll(ctx, store, WebAuthnKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(data))
	assert.True(t, m.Status(ctx).WebAuthnExists)

	_, err = m.Set(ctx, firstKey, "", allow)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SaveWebAuthn(ctx, json.RawMessage(`{"id":"def"}`), deny), errs.Unauthenticated)
	require.NoError(t, m.SaveWebAuthn(ctx, json.RawMessage(`{"id":"def"}`), allow))
}
