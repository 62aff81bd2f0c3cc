package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
)

const (
	TypeServerHello   = "server-hello"
	TypeClientHello   = "client-hello"
	TypeClientAuth    = "client-auth"
	TypeServerAuth    = "server-auth"
	TypeNewInitiator  = "new-initiator"
	TypeNewResponder  = "new-responder"
	TypeDropResponder = "drop-responder"
	TypeSendError     = "send-error"
	TypeDisconnected  = "disconnected"
)

const (
	KeySize = 32

	// SignedKeysSize is the boxed session key || client key.
	SignedKeysSize = 2*KeySize + 16
)

// Message is one of the control message variants declared in this file.
type Message interface {
	MessageType() string
	wire() any
}

type ServerHello struct {
	Key [KeySize]byte
}

type ClientHello struct {
	Key     [KeySize]byte
	YourKey *[KeySize]byte
}

type ClientAuth struct {
	YourCookie nonce.Cookie
	// Subprotocols is nil when the field is absent.
	Subprotocols []string
	PingInterval uint32
	YourKey      *[KeySize]byte
}

// ServerAuth is sent in one of two shapes: initiators get Responders (possibly
// empty), responders get InitiatorConnected.
type ServerAuth struct {
	YourCookie         nonce.Cookie
	SignedKeys         []byte
	Responders         []byte
	InitiatorConnected *bool
}

// ForInitiator reports whether m carries the responder list.
func (m ServerAuth) ForInitiator() bool { return m.InitiatorConnected == nil }

type NewInitiator struct{}

type NewResponder struct {
	ID byte
}

type DropResponder struct {
	ID byte
	// Reason is a close code; zero when absent.
	Reason int
}

type SendError struct {
	ID [8]byte
}

type Disconnected struct {
	ID byte
}

func (ServerHello) MessageType() string   { return TypeServerHello }
func (ClientHello) MessageType() string   { return TypeClientHello }
func (ClientAuth) MessageType() string    { return TypeClientAuth }
func (ServerAuth) MessageType() string    { return TypeServerAuth }
func (NewInitiator) MessageType() string  { return TypeNewInitiator }
func (NewResponder) MessageType() string  { return TypeNewResponder }
func (DropResponder) MessageType() string { return TypeDropResponder }
func (SendError) MessageType() string     { return TypeSendError }
func (Disconnected) MessageType() string  { return TypeDisconnected }

type serverHelloWire struct {
	Type string `msgpack:"type"`
	Key  []byte `msgpack:"key"`
}

type clientHelloWire struct {
	Type    string `msgpack:"type"`
	Key     []byte `msgpack:"key"`
	YourKey []byte `msgpack:"your_key,omitempty"`
}

type clientAuthWire struct {
	Type         string   `msgpack:"type"`
	YourCookie   []byte   `msgpack:"your_cookie"`
	Subprotocols []string `msgpack:"subprotocols,omitempty"`
	PingInterval uint32   `msgpack:"ping_interval"`
	YourKey      []byte   `msgpack:"your_key,omitempty"`
}

// Two shapes so an empty responder list is still encoded.
type serverAuthInitiatorWire struct {
	Type       string `msgpack:"type"`
	YourCookie []byte `msgpack:"your_cookie"`
	SignedKeys []byte `msgpack:"signed_keys"`
	Responders []int  `msgpack:"responders"`
}

type serverAuthResponderWire struct {
	Type               string `msgpack:"type"`
	YourCookie         []byte `msgpack:"your_cookie"`
	SignedKeys         []byte `msgpack:"signed_keys"`
	InitiatorConnected bool   `msgpack:"initiator_connected"`
}

type typeOnlyWire struct {
	Type string `msgpack:"type"`
}

type idWire struct {
	Type string `msgpack:"type"`
	ID   int    `msgpack:"id"`
}

type dropResponderWire struct {
	Type   string `msgpack:"type"`
	ID     int    `msgpack:"id"`
	Reason int    `msgpack:"reason,omitempty"`
}

type sendErrorWire struct {
	Type string `msgpack:"type"`
	ID   []byte `msgpack:"id"`
}

func (m ServerHello) wire() any {
	return serverHelloWire{Type: TypeServerHello, Key: m.Key[:]}
}

func (m ClientHello) wire() any {
	w := clientHelloWire{Type: TypeClientHello, Key: m.Key[:]}
	if m.YourKey != nil {
		w.YourKey = m.YourKey[:]
	}
	return w
}

func (m ClientAuth) wire() any {
	w := clientAuthWire{
		Type:         TypeClientAuth,
		YourCookie:   m.YourCookie[:],
		Subprotocols: m.Subprotocols,
		PingInterval: m.PingInterval,
	}
	if m.YourKey != nil {
		w.YourKey = m.YourKey[:]
	}
	return w
}

func (m ServerAuth) wire() any {
	if m.InitiatorConnected != nil {
		return serverAuthResponderWire{
			Type:               TypeServerAuth,
			YourCookie:         m.YourCookie[:],
			SignedKeys:         m.SignedKeys,
			InitiatorConnected: *m.InitiatorConnected,
		}
	}
	responders := make([]int, 0, len(m.Responders))
	for _, id := range m.Responders {
		responders = append(responders, int(id))
	}
	return serverAuthInitiatorWire{
		Type:       TypeServerAuth,
		YourCookie: m.YourCookie[:],
		SignedKeys: m.SignedKeys,
		Responders: responders,
	}
}

func (NewInitiator) wire() any { return typeOnlyWire{Type: TypeNewInitiator} }

func (m NewResponder) wire() any { return idWire{Type: TypeNewResponder, ID: int(m.ID)} }

func (m DropResponder) wire() any {
	return dropResponderWire{Type: TypeDropResponder, ID: int(m.ID), Reason: m.Reason}
}

func (m SendError) wire() any { return sendErrorWire{Type: TypeSendError, ID: m.ID[:]} }

func (m Disconnected) wire() any { return idWire{Type: TypeDisconnected, ID: int(m.ID)} }

// Encode serializes m as a msgpack map.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(m.wire())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return b, nil
}

// decodeWire is the union of all fields. Pointer and raw fields distinguish
// absent from zero values.
type decodeWire struct {
	Type               string             `msgpack:"type"`
	Key                []byte             `msgpack:"key"`
	YourKey            []byte             `msgpack:"your_key"`
	YourCookie         []byte             `msgpack:"your_cookie"`
	Subprotocols       *[]string          `msgpack:"subprotocols"`
	PingInterval       *int64             `msgpack:"ping_interval"`
	SignedKeys         []byte             `msgpack:"signed_keys"`
	Responders         msgpack.RawMessage `msgpack:"responders"`
	InitiatorConnected *bool              `msgpack:"initiator_connected"`
	ID                 msgpack.RawMessage `msgpack:"id"`
	Reason             *int64             `msgpack:"reason"`
}

// Decode parses and validates a msgpack payload. Malformed payloads, unknown
// types and missing or invalid fields yield ErrUnexpectedMessage.
func Decode(payload []byte) (Message, error) {
	var w decodeWire
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
	}
	m, err := w.message()
	if err != nil {
		if w.Type == "" {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedMessage, w.Type, err)
	}
	return m, nil
}

func (w *decodeWire) message() (Message, error) {
	switch w.Type {
	case TypeServerHello:
		var m ServerHello
		if err := fixed(m.Key[:], w.Key, "key"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeClientHello:
		var m ClientHello
		if err := fixed(m.Key[:], w.Key, "key"); err != nil {
			return nil, err
		}
		yourKey, err := optionalKey(w.YourKey)
		if err != nil {
			return nil, err
		}
		m.YourKey = yourKey
		return m, nil

	case TypeClientAuth:
		var m ClientAuth
		if err := fixed(m.YourCookie[:], w.YourCookie, "your_cookie"); err != nil {
			return nil, err
		}
		if w.Subprotocols != nil {
			m.Subprotocols = append([]string{}, (*w.Subprotocols)...)
		}
		if w.PingInterval != nil {
			if *w.PingInterval < 0 || *w.PingInterval > 1<<31 {
				return nil, fmt.Errorf("invalid ping_interval %d", *w.PingInterval)
			}
			m.PingInterval = uint32(*w.PingInterval)
		}
		yourKey, err := optionalKey(w.YourKey)
		if err != nil {
			return nil, err
		}
		m.YourKey = yourKey
		return m, nil

	case TypeServerAuth:
		var m ServerAuth
		if err := fixed(m.YourCookie[:], w.YourCookie, "your_cookie"); err != nil {
			return nil, err
		}
		if len(w.SignedKeys) != SignedKeysSize {
			return nil, fmt.Errorf("signed_keys must be %d bytes, got %d", SignedKeysSize, len(w.SignedKeys))
		}
		m.SignedKeys = append([]byte(nil), w.SignedKeys...)
		hasResponders := len(w.Responders) > 0
		switch {
		case hasResponders && w.InitiatorConnected != nil:
			return nil, fmt.Errorf("both responders and initiator_connected present")
		case hasResponders:
			var ids []int
			if err := msgpack.Unmarshal(w.Responders, &ids); err != nil {
				return nil, fmt.Errorf("invalid responders: %v", err)
			}
			m.Responders = make([]byte, 0, len(ids))
			for _, id := range ids {
				if id < int(FirstResponderID) || id > int(LastResponderID) {
					return nil, fmt.Errorf("invalid responder id %d", id)
				}
				m.Responders = append(m.Responders, byte(id))
			}
		case w.InitiatorConnected != nil:
			v := *w.InitiatorConnected
			m.InitiatorConnected = &v
		default:
			return nil, fmt.Errorf("missing responders or initiator_connected")
		}
		return m, nil

	case TypeNewInitiator:
		return NewInitiator{}, nil

	case TypeNewResponder:
		id, err := w.slotID(FirstResponderID)
		if err != nil {
			return nil, err
		}
		return NewResponder{ID: id}, nil

	case TypeDropResponder:
		id, err := w.slotID(FirstResponderID)
		if err != nil {
			return nil, err
		}
		m := DropResponder{ID: id}
		if w.Reason != nil {
			if !IsDropResponderCode(int(*w.Reason)) {
				return nil, fmt.Errorf("invalid reason %d", *w.Reason)
			}
			m.Reason = int(*w.Reason)
		}
		return m, nil

	case TypeSendError:
		var raw []byte
		if len(w.ID) == 0 {
			return nil, fmt.Errorf("missing id")
		}
		if err := msgpack.Unmarshal(w.ID, &raw); err != nil {
			return nil, fmt.Errorf("invalid id: %v", err)
		}
		var m SendError
		if err := fixed(m.ID[:], raw, "id"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeDisconnected:
		id, err := w.slotID(InitiatorID)
		if err != nil {
			return nil, err
		}
		return Disconnected{ID: id}, nil

	case "":
		return nil, fmt.Errorf("missing type")
	default:
		return nil, fmt.Errorf("unknown type %q", w.Type)
	}
}

func (w *decodeWire) slotID(min byte) (byte, error) {
	if len(w.ID) == 0 {
		return 0, fmt.Errorf("missing id")
	}
	var id int64
	if err := msgpack.Unmarshal(w.ID, &id); err != nil {
		return 0, fmt.Errorf("invalid id: %v", err)
	}
	if id < int64(min) || id > int64(LastResponderID) {
		return 0, fmt.Errorf("id %d out of range", id)
	}
	return byte(id), nil
}

func fixed(dst, src []byte, field string) error {
	if src == nil {
		return fmt.Errorf("missing %s", field)
	}
	if len(src) != len(dst) {
		return fmt.Errorf("%s must be %d bytes, got %d", field, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

func optionalKey(src []byte) (*[KeySize]byte, error) {
	if src == nil {
		return nil, nil
	}
	var k [KeySize]byte
	if err := fixed(k[:], src, "your_key"); err != nil {
		return nil, err
	}
	return &k, nil
}
