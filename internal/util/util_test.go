package util

import (
	"errors"
	"strings"
	"testing"
)

func cheapParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, SaltLen: 16, KeyLen: 32}
}

func TestArgon2id(t *testing.T) {
	passphrase := "correct horse battery staple"

	encoded, err := HashArgon2id(passphrase, cheapParams())
	if err != nil {
		t.Fatalf("HashArgon2id failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=64,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	ok, err := VerifyArgon2id(passphrase, encoded)
	if err != nil {
		t.Fatalf("VerifyArgon2id failed: %v", err)
	}
	if !ok {
		t.Error("expected passphrase to verify")
	}

	ok, err = VerifyArgon2id("wrong passphrase", encoded)
	if err != nil {
		t.Fatalf("VerifyArgon2id failed: %v", err)
	}
	if ok {
		t.Error("expected wrong passphrase to fail verification")
	}

	again, err := HashArgon2id(passphrase, cheapParams())
	if err != nil {
		t.Fatalf("HashArgon2id failed: %v", err)
	}
	if again == encoded {
		t.Error("hashes of the same passphrase should use different salts")
	}
}

func TestVerifyArgon2id_Malformed(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$a2V5",
		"$argon2id$v=16$m=64,t=1,p=1$c2FsdHNhbHQ$a2V5",
		"$argon2id$v=19$m=64$c2FsdHNhbHQ$a2V5",
		"$argon2id$v=19$m=64,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$",
		"$argon2id$v=19$m=64,t=0,p=1$c2FsdHNhbHQ$a2V5",
	}
	for _, c := range cases {
		if _, err := VerifyArgon2id("x", c); !errors.Is(err, ErrMalformedHash) {
			t.Errorf("VerifyArgon2id(%q): expected ErrMalformedHash, got %v", c, err)
		}
	}
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.Time < 3 {
		t.Errorf("default Time=%d is below OWASP recommended minimum of 3", p.Time)
	}
	if p.MemoryKiB < 64*1024 {
		t.Errorf("default MemoryKiB=%d is below 64 MiB", p.MemoryKiB)
	}
	if err := ValidateArgon2idParams(p); err != nil {
		t.Errorf("default params should validate: %v", err)
	}
}

func TestValidateArgon2idParams(t *testing.T) {
	base := cheapParams()
	tests := []struct {
		name   string
		mutate func(*Argon2idParams)
	}{
		{"zero time", func(p *Argon2idParams) { p.Time = 0 }},
		{"zero parallelism", func(p *Argon2idParams) { p.Parallelism = 0 }},
		{"memory below lanes", func(p *Argon2idParams) { p.MemoryKiB = 4 }},
		{"short salt", func(p *Argon2idParams) { p.SaltLen = 4 }},
		{"short key", func(p *Argon2idParams) { p.KeyLen = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if err := ValidateArgon2idParams(p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("café"); got != "café" {
		t.Errorf("expected composed form, got %q", got)
	}
	// Compatibility mapping: fullwidth A becomes ASCII A.
	if got := Normalize("Ａ"); got != "A" {
		t.Errorf("expected compatibility mapping, got %q", got)
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, _ := RandomBytes(32)
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if string(b1) == string(b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomHex", func(t *testing.T) {
		s, err := RandomHex(16)
		if err != nil {
			t.Fatalf("RandomHex failed: %v", err)
		}
		if len(s) != 32 {
			t.Errorf("expected 32 hex chars, got %d", len(s))
		}
		if strings.Trim(s, "0123456789abcdef") != "" {
			t.Errorf("expected lowercase hex, got %q", s)
		}
	})
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped", i)
		}
	}
}
