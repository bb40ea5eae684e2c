// Package session issues and verifies the signed, stateless tokens that
// represent an unlocked browser or CLI session.
package session

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Duration is the fixed lifetime of a session token.
const Duration = 24 * time.Hour

// MinSecretLen is the shortest signing secret accepted by NewManager.
const MinSecretLen = 32

var ErrSecretTooShort = fmt.Errorf("session secret must be at least %d bytes", MinSecretLen)

// Data is the payload carried by a session token.
type Data struct {
	Unlocked   bool      `json:"unlocked"`
	UnlockedAt time.Time `json:"-"`
}

type claims struct {
	jwt.RegisteredClaims
	Unlocked bool `json:"unlocked"`
	// UnlockedAt is epoch milliseconds.
	UnlockedAt int64 `json:"unlockedAt"`
}

// Manager signs and verifies session tokens with a process-wide HS256 secret.
// The secret is kept in a memguard enclave and only decrypted for the
// duration of a single sign or verify call.
type Manager struct {
	secret *memguard.Enclave
	now    func() time.Time
}

// NewManager takes ownership of secret; the caller's slice is wiped.
func NewManager(secret []byte) (*Manager, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Manager{secret: memguard.NewEnclave(secret), now: time.Now}, nil
}

// NewRandomManager returns a Manager with a freshly generated secret. Tokens
// it issues do not survive a process restart.
func NewRandomManager() *Manager {
	return &Manager{secret: memguard.NewEnclaveRandom(MinSecretLen), now: time.Now}
}

// Create signs d and returns the token with its expiry.
func (m *Manager) Create(d Data) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(Duration)
	unlockedAt := d.UnlockedAt
	if unlockedAt.IsZero() {
		unlockedAt = now
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Unlocked:   d.Unlocked,
		UnlockedAt: unlockedAt.UnixMilli(),
	})

	key, err := m.secret.Open()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("opening session secret: %w", err)
	}
	defer key.Destroy()

	signed, err := token.SignedString(key.Bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token's signature and expiry and returns its payload.
// Any failure yields false.
func (m *Manager) Verify(token string) (Data, bool) {
	if token == "" {
		return Data{}, false
	}
	key, err := m.secret.Open()
	if err != nil {
		return Data{}, false
	}
	defer key.Destroy()

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return key.Bytes(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return Data{}, false
	}
	return Data{
		Unlocked:   c.Unlocked,
		UnlockedAt: time.UnixMilli(c.UnlockedAt),
	}, true
}

// IsUnlocked reports whether token is valid and carries an unlocked session.
func (m *Manager) IsUnlocked(token string) bool {
	d, ok := m.Verify(token)
	return ok && d.Unlocked
}

// FromSecret returns a Manager for secret, or a random-secret Manager when
// secret is empty. generated reports which one was built.
func FromSecret(secret string) (m *Manager, generated bool, err error) {
	if secret == "" {
		return NewRandomManager(), true, nil
	}
	m, err = NewManager([]byte(secret))
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}
