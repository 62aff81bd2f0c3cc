package keystore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const keyFileMode fs.FileMode = 0o600

var ErrInsecureKeyFile = errors.New("keystore: key file is accessible by group or others")

// ParseKey decodes a permanent secret key from value.
//
// value is either the 64-character hex encoding of the secret key or the path
// to a file. A key file holds the hex encoding (surrounding whitespace is
// ignored) or exactly 32 raw bytes.
func ParseKey(value string) ([KeySize]byte, error) {
	var key [KeySize]byte

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return key, fmt.Errorf("%w: empty value", ErrInvalidKey)
	}
	if isHexKey(trimmed) {
		raw, _ := hex.DecodeString(trimmed)
		copy(key[:], raw)
		return key, nil
	}

	data, err := os.ReadFile(value)
	if err != nil {
		if looksLikeHex(trimmed) {
			return key, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKey, hex.EncodedLen(KeySize), len(trimmed))
		}
		return key, fmt.Errorf("read key file: %w", err)
	}
	defer wipe(data)

	if len(data) == KeySize {
		copy(key[:], data)
		return key, nil
	}
	text := string(bytes.TrimSpace(data))
	if !isHexKey(text) {
		return key, fmt.Errorf("%w: key file %q must contain %d raw bytes or %d hex characters", ErrInvalidKey, value, KeySize, hex.EncodedLen(KeySize))
	}
	raw, _ := hex.DecodeString(text)
	copy(key[:], raw)
	wipe(raw)
	return key, nil
}

// Generate returns a fresh permanent key.
func Generate(rand io.Reader) (Key, error) {
	_, secret, err := box.GenerateKey(rand)
	if err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return NewKey(*secret, RolePrimary), nil
}

// WriteKeyFile writes the hex-encoded secret key of k to path with owner-only
// read/write permissions.
func WriteKeyFile(path string, k Key) error {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("key file %q is a directory", path)
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("key file %q is not writable: %w", path, err)
		}
		_ = f.Close()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat key file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, keyFileMode)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	// Permissions of a pre-existing file are not changed by OpenFile.
	if err := f.Chmod(keyFileMode); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	secret := k.SecretKey()
	defer wipe(secret[:])
	if _, err := io.WriteString(f, hex.EncodeToString(secret[:])); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// CheckKeyFilePermissions returns ErrInsecureKeyFile when path is a regular
// file readable or writable by group or others. Values that are not files
// (inline hex keys) are not checked.
func CheckKeyFilePermissions(path string) error {
	trimmed := strings.TrimSpace(path)
	if isHexKey(trimmed) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %v", ErrInsecureKeyFile, path, info.Mode().Perm())
	}
	return nil
}

func isHexKey(s string) bool {
	return len(s) == hex.EncodedLen(KeySize) && looksLikeHex(s)
}

func looksLikeHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
