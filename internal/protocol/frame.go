// Package protocol implements the signaling wire format: frame layout,
// the closed set of control messages and the WebSocket close codes.
//
// Frame layout (one binary WebSocket message):
//
//	+------+----------------------------------------+-----------+
//	| dst  | nonce (24)                             | payload   |
//	| (1)  | cookie | src | dst | overflow | seq    |           |
//	+------+----------------------------------------+-----------+
//
// The prefix byte repeats the nonce destination so frames can be routed
// without parsing the nonce. server-hello and client-hello payloads are
// plaintext msgpack maps; every other payload is a NaCl box.
package protocol

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
)

const (
	PrefixSize = 1
	HeaderSize = PrefixSize + nonce.Size

	// Slot ids.
	ServerID         byte = 0x00
	InitiatorID      byte = 0x01
	FirstResponderID byte = 0x02
	LastResponderID  byte = 0xff
)

var ErrInvalidFrame = errors.New("protocol: invalid frame")

// IsResponderID reports whether id addresses a responder slot.
func IsResponderID(id byte) bool { return id >= FirstResponderID }

type Frame struct {
	Nonce   nonce.Nonce
	Payload []byte

	// Raw is the complete frame as received. Relayed frames are forwarded
	// from Raw so bytes are never re-encoded.
	Raw []byte
}

// Destination returns the routing prefix of the frame.
func (f Frame) Destination() byte { return f.Nonce.Destination }

// ParseFrame splits b into nonce and payload. The returned frame aliases b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidFrame, len(b), HeaderSize)
	}
	n, err := nonce.Parse(b[PrefixSize:HeaderSize])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if b[0] != n.Destination {
		return Frame{}, fmt.Errorf("%w: prefix 0x%02x does not match nonce destination 0x%02x", nonce.ErrAddressMismatch, b[0], n.Destination)
	}
	return Frame{Nonce: n, Payload: b[HeaderSize:], Raw: b}, nil
}

// BuildFrame encodes a frame for n and payload.
func BuildFrame(n nonce.Nonce, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = n.Destination
	nb := n.Bytes()
	copy(out[PrefixSize:HeaderSize], nb[:])
	copy(out[HeaderSize:], payload)
	return out
}
