// Package master manages the master passphrase that unlocks a session, and
// the WebAuthn placeholder stored alongside it.
package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/internal/util"
	"github.com/jmcleod/filedrop/storage"
)

const (
	// RecordKey is the storage key of the master credential.
	RecordKey = "setup/master.json"
	// WebAuthnKey is the storage key of the WebAuthn configuration.
	WebAuthnKey = "setup/webauthn.json"
	// MinLength is the minimum master passphrase length in characters.
	MinLength = 12
)

// Record is the persisted master credential.
type Record struct {
	Hash  string    `json:"hash"`
	SetAt time.Time `json:"setAt"`
}

// Info is the non-secret part of Record.
type Info struct {
	SetAt time.Time `json:"setAt"`
}

// Status reports which setup documents exist.
type Status struct {
	MasterKeyExists bool  `json:"masterKeyExists"`
	WebAuthnExists  bool  `json:"webauthnExists"`
	MasterInfo      *Info `json:"masterInfo"`
}

// Hasher derives and checks passphrase hashes.
type Hasher interface {
	Hash(passphrase string) (string, error)
	Verify(passphrase, encoded string) (bool, error)
}

// Argon2idHasher produces argon2id PHC strings.
type Argon2idHasher struct {
	Params util.Argon2idParams
}

func (h Argon2idHasher) Hash(passphrase string) (string, error) {
	return util.HashArgon2id(passphrase, h.Params)
}

func (h Argon2idHasher) Verify(passphrase, encoded string) (bool, error) {
	return util.VerifyArgon2id(passphrase, encoded)
}

// Manager reads and writes the master credential.
type Manager struct {
	store  storage.BlobStore
	hasher Hasher
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithHasher(h Hasher) Option {
	return func(m *Manager) { m.hasher = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store storage.BlobStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		hasher: Argon2idHasher{Params: util.DefaultArgon2idParams()},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// load returns the stored record. A missing document, or one without a
// hash, is reported as absent; any other failure is an error.
func (m *Manager) load(ctx context.Context) (Record, bool, error) {
	var rec Record
	err := storage.GetJSON(ctx, m.store, RecordKey, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errs.Wrap(errs.Internal, "failed to read master key", err)
	}
	return rec, rec.Hash != "", nil
}

// Exists reports whether a master credential has been set.
func (m *Manager) Exists(ctx context.Context) (bool, error) {
	_, ok, err := m.load(ctx)
	return ok, err
}

// Status never fails; unreadable documents are reported as absent.
func (m *Manager) Status(ctx context.Context) Status {
	var st Status
	if rec, ok, err := m.load(ctx); err == nil && ok {
		st.MasterKeyExists = true
		st.MasterInfo = &Info{SetAt: rec.SetAt}
	}
	if obj, err := m.store.Get(ctx, WebAuthnKey); err == nil {
		obj.Body.Close()
		st.WebAuthnExists = true
	}
	return st
}

// Verify reports whether passphrase matches the stored credential. Any
// failure, including a missing credential, yields false.
func (m *Manager) Verify(ctx context.Context, passphrase string) bool {
	if passphrase == "" {
		return false
	}
	rec, ok, err := m.load(ctx)
	if err != nil || !ok {
		return false
	}
	match, err := m.hasher.Verify(util.Normalize(passphrase), rec.Hash)
	if err != nil {
		m.logger.Warn("master key verification failed", slog.Any("error", err))
		return false
	}
	return match
}

// Set stores passphrase as the master credential and reports whether this
// was the initial setup. Once a credential exists, authorize must succeed
// and current must match it.
func (m *Manager) Set(ctx context.Context, passphrase, current string, authorize func() error) (bool, error) {
	rec, exists, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		if err := authorize(); err != nil {
			return false, err
		}
	}

	passphrase = util.Normalize(passphrase)
	if utf8.RuneCountInString(passphrase) < MinLength {
		return false, errs.New(errs.InvalidInput, "provide a strong master key (min 12 chars)")
	}

	if exists {
		if current == "" {
			return false, errs.New(errs.Unauthenticated, "current master key required to reset")
		}
		ok, err := m.hasher.Verify(util.Normalize(current), rec.Hash)
		if err != nil {
			return false, errs.Wrap(errs.Internal, "failed to verify current key", err)
		}
		if !ok {
			return false, errs.New(errs.Forbidden, "current key incorrect")
		}
	}

	hash, err := m.hasher.Hash(passphrase)
	if err != nil {
		return false, errs.Wrap(errs.Internal, "failed to hash master key", err)
	}
	next := Record{Hash: hash, SetAt: m.now().UTC().Truncate(time.Millisecond)}
	if err := storage.PutJSON(ctx, m.store, RecordKey, next); err != nil {
		return false, errs.Wrap(errs.Internal, "failed to save master key", err)
	}

	m.logger.Info("master key set", slog.Bool("initial_setup", !exists))
	return !exists, nil
}

// SaveWebAuthn stores an opaque WebAuthn configuration. It follows the same
// bootstrap rule as Set: open until a master credential exists, authorized
// afterwards.
func (m *Manager) SaveWebAuthn(ctx context.Context, raw json.RawMessage, authorize func() error) error {
	exists, err := m.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if err := authorize(); err != nil {
			return err
		}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errs.New(errs.InvalidInput, "missing credentials")
	}
	if err := m.store.Put(ctx, WebAuthnKey, bytes.NewReader(trimmed), int64(len(trimmed)), "application/json"); err != nil {
		return errs.Wrap(errs.Internal, "failed to save webauthn configuration", err)
	}
	return nil
}
