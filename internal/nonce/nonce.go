// Package nonce implements the 24-byte frame nonce and the cookie/sequence
// rules that protect every frame against replay and reordering.
//
// Layout:
//
//	cookie (16) | source (1) | destination (1) | overflow (2, BE) | sequence (4, BE)
//
// overflow||sequence form a single 48-bit combined sequence number (csn).
package nonce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Size       = 24
	CookieSize = 16

	sourceOffset      = CookieSize
	destinationOffset = sourceOffset + 1
	csnOffset         = destinationOffset + 1

	// MaxCombinedSequence is the largest representable csn.
	MaxCombinedSequence uint64 = 1<<48 - 1
)

var (
	ErrInvalidLength      = errors.New("nonce: invalid length")
	ErrCookieMismatch     = errors.New("nonce: cookie mismatch")
	ErrAddressMismatch    = errors.New("nonce: address mismatch")
	ErrSequenceRegression = errors.New("nonce: sequence number did not increase")
	ErrSequenceOverflow   = errors.New("nonce: sequence number overflow")
)

type Cookie [CookieSize]byte

func NewCookie(rand io.Reader) (Cookie, error) {
	var c Cookie
	if _, err := io.ReadFull(rand, c[:]); err != nil {
		return c, fmt.Errorf("generate cookie: %w", err)
	}
	return c, nil
}

type Nonce struct {
	Cookie           Cookie
	Source           byte
	Destination      byte
	CombinedSequence uint64
}

func Parse(b []byte) (Nonce, error) {
	if len(b) != Size {
		return Nonce{}, fmt.Errorf("%w: %d", ErrInvalidLength, len(b))
	}
	var n Nonce
	copy(n.Cookie[:], b[:CookieSize])
	n.Source = b[sourceOffset]
	n.Destination = b[destinationOffset]
	n.CombinedSequence = uint64(binary.BigEndian.Uint16(b[csnOffset:]))<<32 | uint64(binary.BigEndian.Uint32(b[csnOffset+2:]))
	return n, nil
}

func (n Nonce) Bytes() [Size]byte {
	var b [Size]byte
	copy(b[:CookieSize], n.Cookie[:])
	b[sourceOffset] = n.Source
	b[destinationOffset] = n.Destination
	binary.BigEndian.PutUint16(b[csnOffset:], uint16(n.CombinedSequence>>32))
	binary.BigEndian.PutUint32(b[csnOffset+2:], uint32(n.CombinedSequence))
	return b
}

// Overflow returns the upper 16 bits of the csn.
func (n Nonce) Overflow() uint16 { return uint16(n.CombinedSequence >> 32) }

// Sequence returns the lower 32 bits of the csn.
func (n Nonce) Sequence() uint32 { return uint32(n.CombinedSequence) }

// ID returns source||destination||csn, the 8 trailing nonce bytes that
// identify a frame in send-error reports.
func (n Nonce) ID() [8]byte {
	b := n.Bytes()
	var id [8]byte
	copy(id[:], b[sourceOffset:])
	return id
}

func (n Nonce) String() string {
	return fmt.Sprintf("nonce{src=0x%02x dst=0x%02x csn=%d}", n.Source, n.Destination, n.CombinedSequence)
}

// CheckAddress verifies the source and destination bytes of n.
func CheckAddress(n Nonce, source, destination byte) error {
	if n.Source != source {
		return fmt.Errorf("%w: source 0x%02x, expected 0x%02x", ErrAddressMismatch, n.Source, source)
	}
	if n.Destination != destination {
		return fmt.Errorf("%w: destination 0x%02x, expected 0x%02x", ErrAddressMismatch, n.Destination, destination)
	}
	return nil
}
