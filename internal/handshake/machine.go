// Package handshake implements the per-connection handshake between the
// server and one client.
//
// The Machine performs no I/O. The supervisor feeds it inbound frames with
// Step, applies the returned registration request against the path registry
// and finishes the handshake with Complete. After that the machine seals
// server-originated messages and opens server-bound ones for the connection.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/nacl/box"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

type State int

const (
	StateAwaitingClientHello State = iota
	StateAwaitingClientAuth
	StateAuthenticated
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateAwaitingClientHello:
		return "awaiting_client_hello"
	case StateAwaitingClientAuth:
		return "awaiting_client_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

var errNotAuthenticated = errors.New("handshake: connection is not authenticated")

// Registration asks the supervisor to assign a slot to the authenticated
// client.
type Registration struct {
	Role      Role
	ClientKey [protocol.KeySize]byte
	// PingInterval is the keep-alive interval in seconds requested by the
	// client; zero when none was requested.
	PingInterval uint32
}

type Transition struct {
	State State
	// Register is set once client-auth has been verified.
	Register *Registration
}

// Machine is not safe for concurrent use.
type Machine struct {
	pathKey     [protocol.KeySize]byte
	keys        *keystore.Store
	subprotocol string

	state State
	role  Role
	slot  byte

	sessionPublic [protocol.KeySize]byte
	sessionSecret [protocol.KeySize]byte
	sharedKey     [protocol.KeySize]byte

	cookie   nonce.Cookie
	outbound *nonce.Sequence
	inbound  nonce.Tracker

	clientKey    [protocol.KeySize]byte
	helloYourKey *[protocol.KeySize]byte
	permanent    keystore.Key
	pending      *Registration
	helloSent    bool
}

// New creates the machine for a connection to pathKey. subprotocol is the
// WebSocket subprotocol negotiated during the upgrade.
func New(pathKey [protocol.KeySize]byte, keys *keystore.Store, subprotocol string, rand io.Reader) (*Machine, error) {
	pub, secret, err := box.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	cookie, err := nonce.NewCookie(rand)
	if err != nil {
		return nil, err
	}
	seq, err := nonce.NewSequence(rand)
	if err != nil {
		return nil, err
	}
	return &Machine{
		pathKey:       pathKey,
		keys:          keys,
		subprotocol:   subprotocol,
		sessionPublic: *pub,
		sessionSecret: *secret,
		cookie:        cookie,
		outbound:      seq,
	}, nil
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Role() Role   { return m.role }

// Slot returns the assigned slot id; zero before Complete.
func (m *Machine) Slot() byte { return m.slot }

func (m *Machine) SessionPublicKey() [protocol.KeySize]byte { return m.sessionPublic }
func (m *Machine) ClientKey() [protocol.KeySize]byte        { return m.clientKey }
func (m *Machine) Cookie() nonce.Cookie                     { return m.cookie }

// PermanentKey returns the server key selected by the client.
func (m *Machine) PermanentKey() keystore.Key { return m.permanent }

// Fail moves the machine into the terminal Dropped state.
func (m *Machine) Fail() { m.state = StateDropped }

// Hello returns the server-hello frame. It must be sent before any other
// frame and can only be produced once.
func (m *Machine) Hello() ([]byte, error) {
	if m.helloSent || m.state != StateAwaitingClientHello {
		return nil, fmt.Errorf("%w: server-hello already sent", protocol.ErrUnexpectedMessage)
	}
	payload, err := protocol.Encode(protocol.ServerHello{Key: m.sessionPublic})
	if err != nil {
		return nil, err
	}
	n, err := m.nextNonce(protocol.ServerID)
	if err != nil {
		return nil, err
	}
	m.helloSent = true
	return protocol.BuildFrame(n, payload), nil
}

// Step processes one inbound handshake frame. Any error is final: the
// machine is Dropped and the connection must be closed.
func (m *Machine) Step(raw []byte) (Transition, error) {
	t, err := m.step(raw)
	if err != nil {
		m.state = StateDropped
		return Transition{State: StateDropped}, err
	}
	return t, nil
}

func (m *Machine) step(raw []byte) (Transition, error) {
	switch m.state {
	case StateAwaitingClientHello, StateAwaitingClientAuth:
	default:
		return Transition{}, fmt.Errorf("%w: handshake frame in state %s", protocol.ErrUnexpectedMessage, m.state)
	}
	if m.pending != nil {
		return Transition{}, fmt.Errorf("%w: frame while registration is pending", protocol.ErrUnexpectedMessage)
	}

	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return Transition{}, err
	}
	n := f.Nonce
	if err := nonce.CheckAddress(n, protocol.ServerID, protocol.ServerID); err != nil {
		return Transition{}, err
	}
	if n.Cookie == m.cookie {
		return Transition{}, fmt.Errorf("%w: client cookie equals server cookie", protocol.ErrHandshakeFailed)
	}
	if err := m.inbound.Check(n); err != nil {
		return Transition{}, err
	}

	if m.state == StateAwaitingClientHello {
		return m.onHelloState(f)
	}
	return m.onAuthState(f)
}

func (m *Machine) onHelloState(f protocol.Frame) (Transition, error) {
	msg, decodeErr := protocol.Decode(f.Payload)
	if decodeErr == nil {
		hello, ok := msg.(protocol.ClientHello)
		if !ok {
			return Transition{}, fmt.Errorf("%w: expected %s, got %s", protocol.ErrUnexpectedMessage, protocol.TypeClientHello, msg.MessageType())
		}
		if err := m.inbound.Accept(f.Nonce); err != nil {
			return Transition{}, err
		}
		m.clientKey = hello.Key
		if hello.Key == m.pathKey {
			m.role = RoleInitiator
		} else {
			m.role = RoleResponder
		}
		m.helloYourKey = hello.YourKey
		box.Precompute(&m.sharedKey, &m.clientKey, &m.sessionSecret)
		m.state = StateAwaitingClientAuth
		return Transition{State: m.state}, nil
	}

	// Initiators skip client-hello; their client-auth opens with the path key.
	var shared [protocol.KeySize]byte
	box.Precompute(&shared, &m.pathKey, &m.sessionSecret)
	nb := f.Nonce.Bytes()
	plain, ok := box.OpenAfterPrecomputation(nil, f.Payload, &nb, &shared)
	if !ok {
		return Transition{}, fmt.Errorf("%w: expected %s (%v)", protocol.ErrUnexpectedMessage, protocol.TypeClientHello, decodeErr)
	}
	m.role = RoleInitiator
	m.clientKey = m.pathKey
	m.sharedKey = shared
	m.state = StateAwaitingClientAuth
	return m.onClientAuth(f.Nonce, plain)
}

func (m *Machine) onAuthState(f protocol.Frame) (Transition, error) {
	nb := f.Nonce.Bytes()
	plain, ok := box.OpenAfterPrecomputation(nil, f.Payload, &nb, &m.sharedKey)
	if !ok {
		return Transition{}, fmt.Errorf("%w: could not decrypt client-auth", protocol.ErrHandshakeFailed)
	}
	return m.onClientAuth(f.Nonce, plain)
}

func (m *Machine) onClientAuth(n nonce.Nonce, plain []byte) (Transition, error) {
	msg, err := protocol.Decode(plain)
	if err != nil {
		return Transition{}, err
	}
	auth, ok := msg.(protocol.ClientAuth)
	if !ok {
		return Transition{}, fmt.Errorf("%w: expected %s, got %s", protocol.ErrUnexpectedMessage, protocol.TypeClientAuth, msg.MessageType())
	}
	if auth.YourCookie != m.cookie {
		return Transition{}, fmt.Errorf("%w: your_cookie does not match the server cookie", protocol.ErrHandshakeFailed)
	}
	if auth.Subprotocols != nil && !slices.Contains(auth.Subprotocols, m.subprotocol) {
		return Transition{}, fmt.Errorf("%w: subprotocols %v do not include %q", protocol.ErrHandshakeFailed, auth.Subprotocols, m.subprotocol)
	}

	yourKey := auth.YourKey
	if m.helloYourKey != nil {
		if yourKey != nil && !bytes.Equal(yourKey[:], m.helloYourKey[:]) {
			return Transition{}, fmt.Errorf("%w: your_key differs between client-hello and client-auth", protocol.ErrHandshakeFailed)
		}
		yourKey = m.helloYourKey
	}
	permanent := m.keys.Primary()
	if yourKey != nil {
		k, err := m.keys.Lookup(*yourKey)
		if err != nil {
			return Transition{}, fmt.Errorf("%w: your_key is not a key of this server", keystore.ErrInvalidKey)
		}
		permanent = k
	}

	if err := m.inbound.Accept(n); err != nil {
		return Transition{}, err
	}
	m.permanent = permanent
	m.pending = &Registration{Role: m.role, ClientKey: m.clientKey, PingInterval: auth.PingInterval}
	return Transition{State: m.state, Register: m.pending}, nil
}

// Complete finishes a handshake whose registration succeeded. For an
// initiator responders lists the present responder ids; for a responder
// initiatorConnected reports whether the path has an initiator. It returns
// the server-auth frame.
func (m *Machine) Complete(slot byte, responders []byte, initiatorConnected bool) ([]byte, error) {
	if m.pending == nil || m.state != StateAwaitingClientAuth {
		return nil, fmt.Errorf("%w: no registration pending", protocol.ErrUnexpectedMessage)
	}
	n, err := m.nextNonce(slot)
	if err != nil {
		return nil, err
	}
	nb := n.Bytes()

	keys := make([]byte, 0, 2*protocol.KeySize)
	keys = append(keys, m.sessionPublic[:]...)
	keys = append(keys, m.clientKey[:]...)
	signed := box.Seal(nil, keys, &nb, &m.clientKey, m.permanent.SecretKey())

	clientCookie, _ := m.inbound.Cookie()
	msg := protocol.ServerAuth{YourCookie: clientCookie, SignedKeys: signed}
	if m.role == RoleInitiator {
		msg.Responders = append([]byte{}, responders...)
	} else {
		connected := initiatorConnected
		msg.InitiatorConnected = &connected
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	m.slot = slot
	m.pending = nil
	m.state = StateAuthenticated
	return protocol.BuildFrame(n, box.SealAfterPrecomputation(nil, payload, &nb, &m.sharedKey)), nil
}

// Seal encrypts a server-originated message for the authenticated client.
func (m *Machine) Seal(msg protocol.Message) ([]byte, error) {
	if m.state != StateAuthenticated {
		return nil, errNotAuthenticated
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	n, err := m.nextNonce(m.slot)
	if err != nil {
		return nil, err
	}
	nb := n.Bytes()
	return protocol.BuildFrame(n, box.SealAfterPrecomputation(nil, payload, &nb, &m.sharedKey)), nil
}

// Open validates and decrypts a frame the authenticated client addressed to
// the server.
func (m *Machine) Open(f protocol.Frame) (protocol.Message, error) {
	if m.state != StateAuthenticated {
		return nil, errNotAuthenticated
	}
	if err := nonce.CheckAddress(f.Nonce, m.slot, protocol.ServerID); err != nil {
		return nil, err
	}
	if err := m.inbound.Check(f.Nonce); err != nil {
		return nil, err
	}
	nb := f.Nonce.Bytes()
	plain, ok := box.OpenAfterPrecomputation(nil, f.Payload, &nb, &m.sharedKey)
	if !ok {
		return nil, fmt.Errorf("%w: could not decrypt server-bound message", protocol.ErrUnexpectedMessage)
	}
	if err := m.inbound.Accept(f.Nonce); err != nil {
		return nil, err
	}
	return protocol.Decode(plain)
}

func (m *Machine) nextNonce(destination byte) (nonce.Nonce, error) {
	csn, err := m.outbound.Next()
	if err != nil {
		return nonce.Nonce{}, err
	}
	return nonce.Nonce{
		Cookie:           m.cookie,
		Source:           protocol.ServerID,
		Destination:      destination,
		CombinedSequence: csn,
	}, nil
}
