package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when an encoded hash is not a valid argon2id
// PHC string.
var ErrMalformedHash = errors.New("malformed argon2id hash")

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     uint32 `json:"salt_len"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams are the parameters new master hashes are written
// with. Verification reads the parameters from the stored hash.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

func ValidateArgon2idParams(p Argon2idParams) error {
	if p.Time < 1 {
		return fmt.Errorf("argon2id time must be >= 1")
	}
	if p.MemoryKiB < 8*uint32(p.Parallelism) {
		return fmt.Errorf("argon2id memory must be >= 8 KiB per lane")
	}
	if p.Parallelism < 1 {
		return fmt.Errorf("argon2id parallelism must be >= 1")
	}
	if p.SaltLen < 8 {
		return fmt.Errorf("argon2id salt must be >= 8 bytes")
	}
	if p.KeyLen < 16 {
		return fmt.Errorf("argon2id key length must be >= 16 bytes")
	}
	return nil
}

// HashArgon2id derives a key from passphrase with a fresh random salt and
// returns it in PHC string form:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
func HashArgon2id(passphrase string, params Argon2idParams) (string, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return "", err
	}
	salt, err := RandomBytes(int(params.SaltLen))
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer WipeBytes(key)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.MemoryKiB, params.Time, params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyArgon2id reports whether passphrase matches the PHC-encoded hash.
func VerifyArgon2id(passphrase, encoded string) (bool, error) {
	params, salt, expected, err := decodeArgon2id(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func decodeArgon2id(encoded string) (Argon2idParams, []byte, []byte, error) {
	var p Argon2idParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, ErrMalformedHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	if p.Time < 1 || p.Parallelism < 1 {
		return p, nil, nil, ErrMalformedHash
	}
	return p, salt, key, nil
}
