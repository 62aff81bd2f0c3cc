// Package keystore holds the server's permanent NaCl key pairs.
//
// Exactly one key is primary. Secondary keys stay usable for the lifetime of
// the process so clients that cached an older server key can still complete a
// handshake after the primary has been rotated.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

var (
	ErrDuplicateKey = errors.New("keystore: duplicate permanent key")
	ErrKeyNotFound  = errors.New("keystore: permanent key not found")
	ErrInvalidKey   = errors.New("keystore: invalid key")
)

type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Key is a permanent key pair. The secret half is only reachable through
// SecretKey so it does not end up in logs via %v.
type Key struct {
	Public [KeySize]byte
	Role   Role

	secret [KeySize]byte
}

// NewKey derives the public key for secret.
func NewKey(secret [KeySize]byte, role Role) Key {
	k := Key{Role: role, secret: secret}
	curve25519.ScalarBaseMult(&k.Public, &k.secret)
	return k
}

func (k Key) SecretKey() *[KeySize]byte {
	s := k.secret
	return &s
}

func (k Key) PublicHex() string {
	return hex.EncodeToString(k.Public[:])
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Role, k.PublicHex())
}

// Store is read-only after construction and safe for concurrent use.
type Store struct {
	keys     []Key
	byPublic map[[KeySize]byte]int
}

// New registers primary followed by secondaries. Registering the same key
// twice, in any primary/secondary combination, fails with ErrDuplicateKey.
func New(primary [KeySize]byte, secondaries ...[KeySize]byte) (*Store, error) {
	s := &Store{
		keys:     make([]Key, 0, 1+len(secondaries)),
		byPublic: make(map[[KeySize]byte]int, 1+len(secondaries)),
	}
	if err := s.add(NewKey(primary, RolePrimary)); err != nil {
		return nil, err
	}
	for i, secret := range secondaries {
		if err := s.add(NewKey(secret, RoleSecondary)); err != nil {
			return nil, fmt.Errorf("secondary key %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *Store) add(k Key) error {
	if _, ok := s.byPublic[k.Public]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, k.PublicHex())
	}
	s.byPublic[k.Public] = len(s.keys)
	s.keys = append(s.keys, k)
	return nil
}

func (s *Store) Primary() Key {
	return s.keys[0]
}

func (s *Store) Lookup(public [KeySize]byte) (Key, error) {
	i, ok := s.byPublic[public]
	if !ok {
		return Key{}, ErrKeyNotFound
	}
	return s.keys[i], nil
}

func (s *Store) LookupHex(publicHex string) (Key, error) {
	raw, err := hex.DecodeString(publicHex)
	if err != nil || len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: public key must be %d hex-encoded bytes", ErrInvalidKey, KeySize)
	}
	var pub [KeySize]byte
	copy(pub[:], raw)
	return s.Lookup(pub)
}

// Keys returns all keys, primary first, then secondaries in registration order.
func (s *Store) Keys() []Key {
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *Store) Len() int { return len(s.keys) }
