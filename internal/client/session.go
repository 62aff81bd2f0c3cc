// Package client implements the client side of the signaling handshake.
//
// Session holds the client's cryptographic state and builds/parses frames
// without doing I/O. Conn runs a Session over a WebSocket connection.
package client

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

var (
	ErrBadServerMessage = errors.New("client: invalid server message")
	ErrSignedKeys       = errors.New("client: signed_keys could not be verified")
)

// AuthOptions are the optional client-auth fields.
type AuthOptions struct {
	Subprotocols []string
	PingInterval uint32
	// YourKey is the server permanent key the client expects.
	YourKey *[protocol.KeySize]byte
}

type peerState struct {
	cookie nonce.Cookie
	seq    *nonce.Sequence
}

// Session is not safe for concurrent use.
type Session struct {
	rand io.Reader

	public [protocol.KeySize]byte
	secret [protocol.KeySize]byte

	cookie nonce.Cookie
	seq    *nonce.Sequence

	serverSession [protocol.KeySize]byte
	serverCookie  nonce.Cookie
	fromServer    nonce.Tracker
	shared        [protocol.KeySize]byte

	slot  byte
	peers map[byte]*peerState
}

func NewSession(secret [protocol.KeySize]byte, rand io.Reader) (*Session, error) {
	cookie, err := nonce.NewCookie(rand)
	if err != nil {
		return nil, err
	}
	seq, err := nonce.NewSequence(rand)
	if err != nil {
		return nil, err
	}
	s := &Session{rand: rand, secret: secret, cookie: cookie, seq: seq, peers: make(map[byte]*peerState)}
	pub, err := publicKey(secret)
	if err != nil {
		return nil, err
	}
	s.public = pub
	return s, nil
}

func (s *Session) PublicKey() [protocol.KeySize]byte        { return s.public }
func (s *Session) Cookie() nonce.Cookie                     { return s.cookie }
func (s *Session) ServerCookie() nonce.Cookie               { return s.serverCookie }
func (s *Session) ServerSessionKey() [protocol.KeySize]byte { return s.serverSession }

// Slot returns the id assigned by server-auth.
func (s *Session) Slot() byte { return s.slot }

// HandleServerHello parses the server-hello frame.
func (s *Session) HandleServerHello(raw []byte) (nonce.Nonce, error) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return nonce.Nonce{}, err
	}
	if err := nonce.CheckAddress(f.Nonce, protocol.ServerID, protocol.ServerID); err != nil {
		return nonce.Nonce{}, err
	}
	msg, err := protocol.Decode(f.Payload)
	if err != nil {
		return nonce.Nonce{}, err
	}
	hello, ok := msg.(protocol.ServerHello)
	if !ok {
		return nonce.Nonce{}, fmt.Errorf("%w: expected server-hello, got %s", ErrBadServerMessage, msg.MessageType())
	}
	if err := s.fromServer.Accept(f.Nonce); err != nil {
		return nonce.Nonce{}, err
	}
	s.serverSession = hello.Key
	s.serverCookie = f.Nonce.Cookie
	box.Precompute(&s.shared, &s.serverSession, &s.secret)
	return f.Nonce, nil
}

// ClientHello builds the plaintext client-hello frame.
func (s *Session) ClientHello(yourKey *[protocol.KeySize]byte) ([]byte, error) {
	payload, err := protocol.Encode(protocol.ClientHello{Key: s.public, YourKey: yourKey})
	if err != nil {
		return nil, err
	}
	n, err := s.NextServerNonce(protocol.ServerID)
	if err != nil {
		return nil, err
	}
	return protocol.BuildFrame(n, payload), nil
}

// ClientAuth builds the boxed client-auth frame echoing the server cookie.
func (s *Session) ClientAuth(opts AuthOptions) ([]byte, error) {
	return s.SealToServer(protocol.ClientAuth{
		YourCookie:   s.serverCookie,
		Subprotocols: opts.Subprotocols,
		PingInterval: opts.PingInterval,
		YourKey:      opts.YourKey,
	})
}

// HandleServerAuth opens server-auth and verifies signed_keys against the
// expected server permanent key.
func (s *Session) HandleServerAuth(raw []byte, serverKey [protocol.KeySize]byte) (protocol.ServerAuth, error) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return protocol.ServerAuth{}, err
	}
	msg, err := s.open(f, f.Nonce.Destination)
	if err != nil {
		return protocol.ServerAuth{}, err
	}
	auth, ok := msg.(protocol.ServerAuth)
	if !ok {
		return protocol.ServerAuth{}, fmt.Errorf("%w: expected server-auth, got %s", ErrBadServerMessage, msg.MessageType())
	}
	if auth.YourCookie != s.cookie {
		return protocol.ServerAuth{}, fmt.Errorf("%w: your_cookie mismatch", ErrBadServerMessage)
	}
	nb := f.Nonce.Bytes()
	keys, ok := box.Open(nil, auth.SignedKeys, &nb, &serverKey, &s.secret)
	if !ok {
		return protocol.ServerAuth{}, ErrSignedKeys
	}
	if string(keys[:protocol.KeySize]) != string(s.serverSession[:]) || string(keys[protocol.KeySize:]) != string(s.public[:]) {
		return protocol.ServerAuth{}, fmt.Errorf("%w: unexpected key pair", ErrSignedKeys)
	}
	s.slot = f.Nonce.Destination
	return auth, nil
}

// OpenFromServer opens a server-originated message after the handshake.
func (s *Session) OpenFromServer(raw []byte) (protocol.Message, error) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	if f.Nonce.Source != protocol.ServerID {
		return nil, fmt.Errorf("%w: frame from 0x%02x is not a server message", ErrBadServerMessage, f.Nonce.Source)
	}
	return s.open(f, s.slot)
}

func (s *Session) open(f protocol.Frame, destination byte) (protocol.Message, error) {
	if err := nonce.CheckAddress(f.Nonce, protocol.ServerID, destination); err != nil {
		return nil, err
	}
	if err := s.fromServer.Accept(f.Nonce); err != nil {
		return nil, err
	}
	nb := f.Nonce.Bytes()
	plain, ok := box.OpenAfterPrecomputation(nil, f.Payload, &nb, &s.shared)
	if !ok {
		return nil, fmt.Errorf("%w: could not decrypt", ErrBadServerMessage)
	}
	return protocol.Decode(plain)
}

// SealToServer boxes msg for the server with the next server-bound nonce.
func (s *Session) SealToServer(msg protocol.Message) ([]byte, error) {
	n, err := s.NextServerNonce(protocol.ServerID)
	if err != nil {
		return nil, err
	}
	return s.SealWithNonce(n, msg)
}

// SealWithNonce boxes msg under an explicit nonce. Used to replay or forge
// nonces.
func (s *Session) SealWithNonce(n nonce.Nonce, msg protocol.Message) ([]byte, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	nb := n.Bytes()
	return protocol.BuildFrame(n, box.SealAfterPrecomputation(nil, payload, &nb, &s.shared)), nil
}

// NextServerNonce returns the next nonce of the client→server direction with
// the given destination byte.
func (s *Session) NextServerNonce(destination byte) (nonce.Nonce, error) {
	csn, err := s.seq.Next()
	if err != nil {
		return nonce.Nonce{}, err
	}
	return nonce.Nonce{Cookie: s.cookie, Source: s.slot, Destination: destination, CombinedSequence: csn}, nil
}

// PeerFrame builds a frame for peer dst carrying payload. Each peer gets its
// own cookie and sequence.
func (s *Session) PeerFrame(dst byte, payload []byte) ([]byte, error) {
	n, err := s.NextPeerNonce(dst)
	if err != nil {
		return nil, err
	}
	return protocol.BuildFrame(n, payload), nil
}

func (s *Session) NextPeerNonce(dst byte) (nonce.Nonce, error) {
	p, ok := s.peers[dst]
	if !ok {
		cookie, err := nonce.NewCookie(s.rand)
		if err != nil {
			return nonce.Nonce{}, err
		}
		seq, err := nonce.NewSequence(s.rand)
		if err != nil {
			return nonce.Nonce{}, err
		}
		p = &peerState{cookie: cookie, seq: seq}
		s.peers[dst] = p
	}
	csn, err := p.seq.Next()
	if err != nil {
		return nonce.Nonce{}, err
	}
	return nonce.Nonce{Cookie: p.cookie, Source: s.slot, Destination: dst, CombinedSequence: csn}, nil
}

func publicKey(secret [protocol.KeySize]byte) ([protocol.KeySize]byte, error) {
	var pub [protocol.KeySize]byte
	derived, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], derived)
	return pub, nil
}
