package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func mustSecret(t *testing.T) [KeySize]byte {
	t.Helper()
	var s [KeySize]byte
	if _, err := rand.Read(s[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return s
}

func TestNewKeyDerivesPublicKey(t *testing.T) {
	secret := mustSecret(t)
	k := NewKey(secret, RoleSecondary)

	want, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if !bytes.Equal(k.Public[:], want) {
		t.Fatalf("public=%x, want %x", k.Public, want)
	}
	if got := k.SecretKey(); *got != secret {
		t.Fatalf("secret mismatch")
	}
	if strings.Contains(k.String(), hex.EncodeToString(secret[:])) {
		t.Fatalf("String() leaks the secret key: %s", k)
	}
}

func TestStorePrimaryAndLookup(t *testing.T) {
	k1, k2, k3 := mustSecret(t), mustSecret(t), mustSecret(t)
	s, err := New(k1, k2, k3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	primary := s.Primary()
	if primary.Role != RolePrimary || *primary.SecretKey() != k1 {
		t.Fatalf("unexpected primary %v", primary)
	}
	if s.Len() != 3 {
		t.Fatalf("Len=%d, want 3", s.Len())
	}

	for i, secret := range [][KeySize]byte{k2, k3} {
		pub := NewKey(secret, RoleSecondary).Public
		got, err := s.Lookup(pub)
		if err != nil {
			t.Fatalf("Lookup secondary %d: %v", i, err)
		}
		if got.Role != RoleSecondary || *got.SecretKey() != secret {
			t.Fatalf("Lookup secondary %d returned %v", i, got)
		}
		byHex, err := s.LookupHex(hex.EncodeToString(pub[:]))
		if err != nil {
			t.Fatalf("LookupHex secondary %d: %v", i, err)
		}
		if byHex.Public != pub {
			t.Fatalf("LookupHex returned %v", byHex)
		}
	}

	if _, err := s.Lookup(NewKey(mustSecret(t), RolePrimary).Public); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Lookup unknown err=%v, want ErrKeyNotFound", err)
	}
	if _, err := s.LookupHex("zz"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("LookupHex invalid err=%v, want ErrInvalidKey", err)
	}

	keys := s.Keys()
	if len(keys) != 3 || keys[0].Role != RolePrimary || keys[1].Role != RoleSecondary {
		t.Fatalf("Keys=%v", keys)
	}
}

func TestStoreRejectsDuplicateKeys(t *testing.T) {
	a, b := mustSecret(t), mustSecret(t)

	tests := []struct {
		name        string
		primary     [KeySize]byte
		secondaries [][KeySize]byte
	}{
		{name: "primary as secondary", primary: a, secondaries: [][KeySize]byte{a}},
		{name: "primary later as secondary", primary: a, secondaries: [][KeySize]byte{b, a}},
		{name: "secondary twice", primary: a, secondaries: [][KeySize]byte{b, b}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.primary, tc.secondaries...); !errors.Is(err, ErrDuplicateKey) {
				t.Fatalf("err=%v, want ErrDuplicateKey", err)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	secret := mustSecret(t)
	hexSecret := hex.EncodeToString(secret[:])
	dir := t.TempDir()

	hexFile := filepath.Join(dir, "hex.key")
	if err := os.WriteFile(hexFile, []byte(hexSecret+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rawFile := filepath.Join(dir, "raw.key")
	if err := os.WriteFile(rawFile, secret[:], 0o600); err != nil {
		t.Fatal(err)
	}
	shortFile := filepath.Join(dir, "short.key")
	if err := os.WriteFile(shortFile, []byte("6d656f77"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, value := range []string{hexSecret, strings.ToUpper(hexSecret), hexFile, rawFile} {
		got, err := ParseKey(value)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", value, err)
		}
		if got != secret {
			t.Fatalf("ParseKey(%q) returned a different key", value)
		}
	}

	for _, value := range []string{"", hexSecret[:63], shortFile} {
		if _, err := ParseKey(value); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ParseKey(%q) err=%v, want ErrInvalidKey", value, err)
		}
	}
	if _, err := ParseKey(filepath.Join(dir, "missing.key")); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}

func TestWriteKeyFile(t *testing.T) {
	k, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keyfile.key")
	if err := WriteKeyFile(path, k); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil || len(raw) != KeySize {
		t.Fatalf("key file content %q is not a hex-encoded 32-byte key", data)
	}
	parsed, err := ParseKey(path)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if NewKey(parsed, RolePrimary).Public != k.Public {
		t.Fatalf("round-tripped key has a different public key")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("perm=%v, want 0600", perm)
		}
		if err := CheckKeyFilePermissions(path); err != nil {
			t.Fatalf("CheckKeyFilePermissions: %v", err)
		}
	}
}

func TestWriteKeyFileRejectsDirectory(t *testing.T) {
	k, err := Generate(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	err = WriteKeyFile(t.TempDir(), k)
	if err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("err=%v, want directory error", err)
	}
}

func TestWriteKeyFileRejectsReadOnlyFile(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	path := filepath.Join(t.TempDir(), "keyfile.key")
	if err := os.WriteFile(path, []byte("meow"), 0o400); err != nil {
		t.Fatal(err)
	}
	k, err := Generate(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	err = WriteKeyFile(path, k)
	if err == nil || !strings.Contains(err.Error(), "is not writable") {
		t.Fatalf("err=%v, want not writable error", err)
	}
}

func TestCheckKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "open.key")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckKeyFilePermissions(path); !errors.Is(err, ErrInsecureKeyFile) {
		t.Fatalf("err=%v, want ErrInsecureKeyFile", err)
	}
	if err := CheckKeyFilePermissions(strings.Repeat("ab", KeySize)); err != nil {
		t.Fatalf("inline hex key: %v", err)
	}
}
