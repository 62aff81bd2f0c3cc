package handshake

import (
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

const testSubprotocol = "v1.saltyrtc.org"

func newKeyPair(t *testing.T) (secret, public [32]byte) {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return *sec, *pub
}

func newStore(t *testing.T, secondaries int) (*keystore.Store, [][32]byte) {
	t.Helper()
	secrets := make([][32]byte, 1+secondaries)
	for i := range secrets {
		secrets[i], _ = newKeyPair(t)
	}
	s, err := keystore.New(secrets[0], secrets[1:]...)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	return s, secrets
}

type fixture struct {
	t       *testing.T
	machine *Machine
	session *client.Session
	keys    *keystore.Store
	hello   nonce.Nonce
	sent    []byte
}

// start creates a machine on pathKey and a client session that has
// processed server-hello.
func start(t *testing.T, keys *keystore.Store, pathKey, clientSecret [32]byte) *fixture {
	t.Helper()
	m, err := New(pathKey, keys, testSubprotocol, rand.Reader)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hello, err := m.Hello()
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if hello[0] != protocol.ServerID {
		t.Fatalf("server-hello prefix=0x%02x", hello[0])
	}
	s, err := client.NewSession(clientSecret, rand.Reader)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	n, err := s.HandleServerHello(hello)
	if err != nil {
		t.Fatalf("HandleServerHello: %v", err)
	}
	if n.Overflow() != 0 {
		t.Fatalf("server-hello overflow=%d, want 0", n.Overflow())
	}
	return &fixture{t: t, machine: m, session: s, keys: keys, hello: n}
}

func (f *fixture) step(frame []byte, buildErr error) (Transition, error) {
	f.t.Helper()
	if buildErr != nil {
		f.t.Fatalf("build frame: %v", buildErr)
	}
	return f.machine.Step(frame)
}

func TestInitiatorSkipsClientHello(t *testing.T) {
	keys, _ := newStore(t, 0)
	secret, pathKey := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	tr, err := f.step(f.session.ClientAuth(client.AuthOptions{Subprotocols: []string{testSubprotocol}, PingInterval: 10}))
	if err != nil {
		t.Fatalf("Step(client-auth): %v", err)
	}
	if tr.Register == nil || tr.Register.Role != RoleInitiator || tr.Register.ClientKey != pathKey || tr.Register.PingInterval != 10 {
		t.Fatalf("transition=%+v", tr)
	}
	if f.machine.Role() != RoleInitiator || f.machine.State() != StateAwaitingClientAuth {
		t.Fatalf("role=%v state=%v", f.machine.Role(), f.machine.State())
	}

	frame, err := f.machine.Complete(protocol.InitiatorID, nil, false)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	auth, err := f.session.HandleServerAuth(frame, keys.Primary().Public)
	if err != nil {
		t.Fatalf("HandleServerAuth: %v", err)
	}
	if !auth.ForInitiator() || len(auth.Responders) != 0 {
		t.Fatalf("server-auth=%+v, want empty responder list", auth)
	}
	if f.session.Slot() != protocol.InitiatorID || f.machine.Slot() != protocol.InitiatorID {
		t.Fatalf("slot=0x%02x", f.session.Slot())
	}
	if f.machine.State() != StateAuthenticated {
		t.Fatalf("state=%v", f.machine.State())
	}

	parsed, err := protocol.ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Nonce.CombinedSequence != f.hello.CombinedSequence+1 {
		t.Fatalf("server-auth csn=%d, want %d", parsed.Nonce.CombinedSequence, f.hello.CombinedSequence+1)
	}
	if parsed.Nonce.Cookie != f.hello.Cookie {
		t.Fatalf("server cookie changed between messages")
	}
}

func TestInitiatorWithClientHello(t *testing.T) {
	keys, _ := newStore(t, 0)
	secret, pathKey := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	if _, err := f.step(f.session.ClientHello(nil)); err != nil {
		t.Fatalf("Step(client-hello): %v", err)
	}
	tr, err := f.step(f.session.ClientAuth(client.AuthOptions{}))
	if err != nil {
		t.Fatalf("Step(client-auth): %v", err)
	}
	if tr.Register.Role != RoleInitiator {
		t.Fatalf("role=%v, want initiator", tr.Register.Role)
	}
}

func TestResponderHandshake(t *testing.T) {
	keys, _ := newStore(t, 0)
	_, pathKey := newKeyPair(t)
	secret, public := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	tr, err := f.step(f.session.ClientHello(nil))
	if err != nil {
		t.Fatalf("Step(client-hello): %v", err)
	}
	if tr.State != StateAwaitingClientAuth || tr.Register != nil {
		t.Fatalf("transition=%+v", tr)
	}
	tr, err = f.step(f.session.ClientAuth(client.AuthOptions{Subprotocols: []string{"other", testSubprotocol}}))
	if err != nil {
		t.Fatalf("Step(client-auth): %v", err)
	}
	if tr.Register.Role != RoleResponder || tr.Register.ClientKey != public {
		t.Fatalf("registration=%+v", tr.Register)
	}

	frame, err := f.machine.Complete(0x02, nil, true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	auth, err := f.session.HandleServerAuth(frame, keys.Primary().Public)
	if err != nil {
		t.Fatalf("HandleServerAuth: %v", err)
	}
	if auth.ForInitiator() || !*auth.InitiatorConnected {
		t.Fatalf("server-auth=%+v, want initiator_connected=true", auth)
	}
	if f.session.Slot() != 0x02 {
		t.Fatalf("slot=0x%02x, want 0x02", f.session.Slot())
	}
}

func TestKeyRotation(t *testing.T) {
	k1, _ := newKeyPair(t)
	k2, k2Public := newKeyPair(t)
	k3, _ := newKeyPair(t)
	k1Public := keystore.NewKey(k1, keystore.RolePrimary).Public

	orders := map[string][][32]byte{
		"secondary first":  {k2, k3},
		"secondary second": {k3, k2},
	}
	for name, secondaries := range orders {
		t.Run(name, func(t *testing.T) {
			keys, err := keystore.New(k1, secondaries...)
			if err != nil {
				t.Fatal(err)
			}
			_, pathKey := newKeyPair(t)
			secret, _ := newKeyPair(t)
			f := start(t, keys, pathKey, secret)

			if _, err := f.step(f.session.ClientHello(nil)); err != nil {
				t.Fatal(err)
			}
			if _, err := f.step(f.session.ClientAuth(client.AuthOptions{YourKey: &k2Public})); err != nil {
				t.Fatalf("Step(client-auth): %v", err)
			}
			if got := f.machine.PermanentKey().Public; got != k2Public {
				t.Fatalf("selected key %x, want K2", got)
			}
			frame, err := f.machine.Complete(0x02, nil, false)
			if err != nil {
				t.Fatal(err)
			}

			// signed_keys must not verify with K1.
			other, _ := client.NewSession(secret, rand.Reader)
			*other = *f.session
			if _, err := other.HandleServerAuth(frame, k1Public); !errors.Is(err, client.ErrSignedKeys) {
				t.Fatalf("verify with K1 err=%v, want ErrSignedKeys", err)
			}
			if _, err := f.session.HandleServerAuth(frame, k2Public); err != nil {
				t.Fatalf("verify with K2: %v", err)
			}
		})
	}
}

func TestYourKeyInClientHello(t *testing.T) {
	keys, secrets := newStore(t, 1)
	secondary := keystore.NewKey(secrets[1], keystore.RoleSecondary).Public
	_, pathKey := newKeyPair(t)
	secret, _ := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	if _, err := f.step(f.session.ClientHello(&secondary)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.step(f.session.ClientAuth(client.AuthOptions{})); err != nil {
		t.Fatalf("Step(client-auth): %v", err)
	}
	if f.machine.PermanentKey().Public != secondary {
		t.Fatalf("your_key from client-hello was not used")
	}
}

func TestYourKeyMismatchBetweenHelloAndAuth(t *testing.T) {
	keys, secrets := newStore(t, 1)
	primary := keys.Primary().Public
	secondary := keystore.NewKey(secrets[1], keystore.RoleSecondary).Public
	_, pathKey := newKeyPair(t)
	secret, _ := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	if _, err := f.step(f.session.ClientHello(&secondary)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.step(f.session.ClientAuth(client.AuthOptions{YourKey: &primary})); !errors.Is(err, protocol.ErrHandshakeFailed) {
		t.Fatalf("err=%v, want ErrHandshakeFailed", err)
	}
}

func TestUnknownYourKey(t *testing.T) {
	keys, _ := newStore(t, 1)
	_, unknown := newKeyPair(t)
	secret, pathKey := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	_, err := f.step(f.session.ClientAuth(client.AuthOptions{YourKey: &unknown}))
	if !errors.Is(err, keystore.ErrInvalidKey) {
		t.Fatalf("err=%v, want ErrInvalidKey", err)
	}
	if f.machine.State() != StateDropped {
		t.Fatalf("state=%v, want dropped", f.machine.State())
	}
}

func TestHandshakeFailures(t *testing.T) {
	keys, _ := newStore(t, 0)

	tests := []struct {
		name  string
		build func(t *testing.T, f *fixture) []byte
		want  error
	}{
		{
			name: "unexpected message type",
			build: func(t *testing.T, f *fixture) []byte {
				payload, err := protocol.Encode(protocol.NewInitiator{})
				if err != nil {
					t.Fatal(err)
				}
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				return protocol.BuildFrame(n, payload)
			},
			want: protocol.ErrUnexpectedMessage,
		},
		{
			name: "garbage payload",
			build: func(t *testing.T, f *fixture) []byte {
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				return protocol.BuildFrame(n, []byte{0xc1, 0xc1, 0xc1})
			},
			want: protocol.ErrUnexpectedMessage,
		},
		{
			name: "truncated frame",
			build: func(t *testing.T, f *fixture) []byte {
				return []byte{0x00, 0x01}
			},
			want: protocol.ErrInvalidFrame,
		},
		{
			name: "duplicated cookie",
			build: func(t *testing.T, f *fixture) []byte {
				payload, err := protocol.Encode(protocol.ClientHello{Key: f.session.PublicKey()})
				if err != nil {
					t.Fatal(err)
				}
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				n.Cookie = f.session.ServerCookie()
				return protocol.BuildFrame(n, payload)
			},
			want: protocol.ErrHandshakeFailed,
		},
		{
			name: "invalid source",
			build: func(t *testing.T, f *fixture) []byte {
				payload, err := protocol.Encode(protocol.ClientHello{Key: f.session.PublicKey()})
				if err != nil {
					t.Fatal(err)
				}
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				n.Source = 0x01
				return protocol.BuildFrame(n, payload)
			},
			want: nonce.ErrAddressMismatch,
		},
		{
			name: "invalid destination",
			build: func(t *testing.T, f *fixture) []byte {
				payload, err := protocol.Encode(protocol.ClientHello{Key: f.session.PublicKey()})
				if err != nil {
					t.Fatal(err)
				}
				n, _ := f.session.NextServerNonce(0x02)
				return protocol.BuildFrame(n, payload)
			},
			want: nonce.ErrAddressMismatch,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, pathKey := newKeyPair(t)
			secret, _ := newKeyPair(t)
			f := start(t, keys, pathKey, secret)
			if _, err := f.machine.Step(tc.build(t, f)); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
			if f.machine.State() != StateDropped {
				t.Fatalf("state=%v, want dropped", f.machine.State())
			}
		})
	}
}

func TestClientAuthFailures(t *testing.T) {
	keys, _ := newStore(t, 0)

	tests := []struct {
		name  string
		build func(t *testing.T, f *fixture) []byte
		want  error
	}{
		{
			name: "bad cookie echo",
			build: func(t *testing.T, f *fixture) []byte {
				frame, err := f.session.SealToServer(protocol.ClientAuth{YourCookie: f.session.Cookie()})
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: protocol.ErrHandshakeFailed,
		},
		{
			name: "subprotocol not offered",
			build: func(t *testing.T, f *fixture) []byte {
				frame, err := f.session.ClientAuth(client.AuthOptions{Subprotocols: []string{"v0.saltyrtc.org"}})
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: protocol.ErrHandshakeFailed,
		},
		{
			name: "undecryptable box",
			build: func(t *testing.T, f *fixture) []byte {
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				return protocol.BuildFrame(n, make([]byte, 64))
			},
			want: protocol.ErrHandshakeFailed,
		},
		{
			name: "second client-hello",
			build: func(t *testing.T, f *fixture) []byte {
				frame, err := f.session.ClientHello(nil)
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: protocol.ErrHandshakeFailed,
		},
		{
			name: "wrong message type",
			build: func(t *testing.T, f *fixture) []byte {
				frame, err := f.session.SealToServer(protocol.DropResponder{ID: 0x02})
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: protocol.ErrUnexpectedMessage,
		},
		{
			name: "replayed nonce",
			build: func(t *testing.T, f *fixture) []byte {
				frame, err := f.session.SealWithNonce(f.lastNonce(t), protocol.ClientAuth{YourCookie: f.session.ServerCookie()})
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: nonce.ErrSequenceRegression,
		},
		{
			name: "changed cookie",
			build: func(t *testing.T, f *fixture) []byte {
				n, _ := f.session.NextServerNonce(protocol.ServerID)
				n.Cookie[0] ^= 0xff
				frame, err := f.session.SealWithNonce(n, protocol.ClientAuth{YourCookie: f.session.ServerCookie()})
				if err != nil {
					t.Fatal(err)
				}
				return frame
			},
			want: nonce.ErrCookieMismatch,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, pathKey := newKeyPair(t)
			secret, _ := newKeyPair(t)
			f := start(t, keys, pathKey, secret)
			hello, err := f.session.ClientHello(nil)
			if err != nil {
				t.Fatal(err)
			}
			f.sent = hello
			if _, err := f.machine.Step(hello); err != nil {
				t.Fatalf("Step(client-hello): %v", err)
			}
			if _, err := f.machine.Step(tc.build(t, f)); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
			if f.machine.State() != StateDropped {
				t.Fatalf("state=%v, want dropped", f.machine.State())
			}
		})
	}
}

func (f *fixture) lastNonce(t *testing.T) nonce.Nonce {
	t.Helper()
	parsed, err := protocol.ParseFrame(f.sent)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Nonce
}

func authenticate(t *testing.T, f *fixture, slot byte) {
	t.Helper()
	if slot != protocol.InitiatorID {
		if _, err := f.step(f.session.ClientHello(nil)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.step(f.session.ClientAuth(client.AuthOptions{})); err != nil {
		t.Fatal(err)
	}
	frame, err := f.machine.Complete(slot, []byte{0x02}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.session.HandleServerAuth(frame, f.keys.Primary().Public); err != nil {
		t.Fatal(err)
	}
}

func TestSealAndOpenAfterHandshake(t *testing.T) {
	keys, _ := newStore(t, 0)
	secret, pathKey := newKeyPair(t)
	f := start(t, keys, pathKey, secret)

	if _, err := f.machine.Seal(protocol.NewInitiator{}); err == nil {
		t.Fatalf("Seal before authentication succeeded")
	}
	authenticate(t, f, protocol.InitiatorID)

	frame, err := f.machine.Seal(protocol.NewResponder{ID: 0x02})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	parsed, err := protocol.ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Nonce.CombinedSequence != f.hello.CombinedSequence+2 {
		t.Fatalf("new-responder csn=%d, want %d", parsed.Nonce.CombinedSequence, f.hello.CombinedSequence+2)
	}
	msg, err := f.session.OpenFromServer(frame)
	if err != nil {
		t.Fatalf("OpenFromServer: %v", err)
	}
	if nr, ok := msg.(protocol.NewResponder); !ok || nr.ID != 0x02 {
		t.Fatalf("msg=%#v", msg)
	}

	drop, err := f.session.SealToServer(protocol.DropResponder{ID: 0x02, Reason: protocol.CloseInternalError})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err = protocol.ParseFrame(drop)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.machine.Open(parsed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d, ok := got.(protocol.DropResponder); !ok || d.ID != 0x02 || d.Reason != protocol.CloseInternalError {
		t.Fatalf("msg=%#v", got)
	}

	// The same frame again is a replay.
	if _, err := f.machine.Open(parsed); !errors.Is(err, nonce.ErrSequenceRegression) {
		t.Fatalf("replay err=%v, want ErrSequenceRegression", err)
	}

	// Handshake frames are not accepted any more.
	hello, err := f.session.ClientHello(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Step(hello); !errors.Is(err, protocol.ErrUnexpectedMessage) {
		t.Fatalf("Step after authentication err=%v", err)
	}
}

func TestOpenRejectsWrongSource(t *testing.T) {
	keys, _ := newStore(t, 0)
	secret, pathKey := newKeyPair(t)
	f := start(t, keys, pathKey, secret)
	authenticate(t, f, protocol.InitiatorID)

	n, err := f.session.NextServerNonce(protocol.ServerID)
	if err != nil {
		t.Fatal(err)
	}
	n.Source = 0x03
	frame, err := f.session.SealWithNonce(n, protocol.DropResponder{ID: 0x02})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := protocol.ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Open(parsed); !errors.Is(err, nonce.ErrAddressMismatch) {
		t.Fatalf("err=%v, want ErrAddressMismatch", err)
	}
}

func TestHelloOnlyOnce(t *testing.T) {
	keys, _ := newStore(t, 0)
	_, pathKey := newKeyPair(t)
	m, err := New(pathKey, keys, testSubprotocol, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Hello(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Hello(); err == nil {
		t.Fatalf("second Hello succeeded")
	}
}
