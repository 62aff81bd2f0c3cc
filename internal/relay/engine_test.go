package relay

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/registry"
)

const testPath = "path"

type fakeEndpoint struct {
	authenticated bool
	full          bool
	delivered     [][]byte
}

func (e *fakeEndpoint) Authenticated() bool { return e.authenticated }

func (e *fakeEndpoint) Deliver(frame []byte) error {
	if e.full {
		return ErrQueueFull
	}
	e.delivered = append(e.delivered, frame)
	return nil
}

type peer struct {
	cookie nonce.Cookie
	csn    uint64
	slot   byte
}

func (p *peer) frame(dst byte, payload string) []byte {
	p.csn++
	return protocol.BuildFrame(nonce.Nonce{Cookie: p.cookie, Source: p.slot, Destination: dst, CombinedSequence: p.csn}, []byte(payload))
}

func setup(t *testing.T) (*Engine, *registry.Registry, *fakeEndpoint, *fakeEndpoint) {
	t.Helper()
	reg := registry.New()
	initiator := &fakeEndpoint{authenticated: true}
	responder := &fakeEndpoint{authenticated: true}
	if _, err := reg.Register(testPath, registry.RoleInitiator, initiator, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(testPath, registry.RoleResponder, responder, nil); err != nil {
		t.Fatal(err)
	}
	return NewEngine(reg), reg, initiator, responder
}

func TestRouteForwardsBytesUnchanged(t *testing.T) {
	e, _, initiator, responder := setup(t)
	sender := NewSender(testPath, 0x01)
	p := &peer{slot: 0x01, cookie: nonce.Cookie{1}}

	raw := p.frame(0x02, "ciphertext")
	res, err := e.Route(sender, raw)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Action != ActionForward || res.Destination != responder {
		t.Fatalf("result=%+v", res)
	}
	if len(responder.delivered) != 1 || !bytes.Equal(responder.delivered[0], raw) {
		t.Fatalf("delivered=%x, want %x", responder.delivered, raw)
	}

	// And back.
	back := &peer{slot: 0x02, cookie: nonce.Cookie{2}}
	raw = back.frame(0x01, "answer")
	if res, err := e.Route(NewSender(testPath, 0x02), raw); err != nil || res.Action != ActionForward {
		t.Fatalf("Route responder→initiator=%+v, %v", res, err)
	}
	if len(initiator.delivered) != 1 || !bytes.Equal(initiator.delivered[0], raw) {
		t.Fatalf("initiator did not receive the frame")
	}
}

func TestRouteServerBound(t *testing.T) {
	e, _, _, _ := setup(t)
	p := &peer{slot: 0x01}
	res, err := e.Route(NewSender(testPath, 0x01), p.frame(0x00, "boxed"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Action != ActionServer || res.Frame.Nonce.Destination != 0x00 {
		t.Fatalf("result=%+v", res)
	}
}

func TestRouteAddressRules(t *testing.T) {
	e, _, _, _ := setup(t)

	tests := []struct {
		name string
		slot byte
		src  byte
		dst  byte
	}{
		{name: "spoofed source", slot: 0x02, src: 0x03, dst: 0x01},
		{name: "initiator to itself", slot: 0x01, src: 0x01, dst: 0x01},
		{name: "responder to responder", slot: 0x02, src: 0x02, dst: 0x03},
		{name: "responder to itself", slot: 0x02, src: 0x02, dst: 0x02},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &peer{slot: tc.src}
			if _, err := e.Route(NewSender(testPath, tc.slot), p.frame(tc.dst, "x")); !errors.Is(err, nonce.ErrAddressMismatch) {
				t.Fatalf("err=%v, want ErrAddressMismatch", err)
			}
		})
	}
}

func TestRouteSendErrorForMissingDestination(t *testing.T) {
	e, _, _, _ := setup(t)
	p := &peer{slot: 0x01}
	raw := p.frame(0x05, "lost")
	res, err := e.Route(NewSender(testPath, 0x01), raw)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Action != ActionSendError || !errors.Is(res.Err, ErrDestinationNotFound) {
		t.Fatalf("result=%+v", res)
	}
	if !bytes.Equal(res.ErrorID[:], raw[1+nonce.CookieSize:protocol.HeaderSize]) {
		t.Fatalf("ErrorID=%x", res.ErrorID)
	}
}

func TestRouteSendErrorForUnavailableDestination(t *testing.T) {
	e, _, _, responder := setup(t)
	sender := NewSender(testPath, 0x01)
	p := &peer{slot: 0x01}

	responder.authenticated = false
	if res, err := e.Route(sender, p.frame(0x02, "x")); err != nil || res.Action != ActionSendError {
		t.Fatalf("unauthenticated destination=%+v, %v", res, err)
	}
	responder.authenticated = true
	responder.full = true
	res, err := e.Route(sender, p.frame(0x02, "x"))
	if err != nil || res.Action != ActionSendError || !errors.Is(res.Err, ErrDestinationNotFound) {
		t.Fatalf("full destination=%+v, %v", res, err)
	}
}

func TestRouteSequenceAndCookie(t *testing.T) {
	e, _, _, _ := setup(t)
	sender := NewSender(testPath, 0x01)
	p := &peer{slot: 0x01, cookie: nonce.Cookie{7}}

	first := p.frame(0x02, "a")
	if _, err := e.Route(sender, first); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Route(sender, first); !errors.Is(err, nonce.ErrSequenceRegression) {
		t.Fatalf("replay err=%v, want ErrSequenceRegression", err)
	}

	p.cookie = nonce.Cookie{8}
	if _, err := e.Route(sender, p.frame(0x02, "b")); !errors.Is(err, nonce.ErrCookieMismatch) {
		t.Fatalf("cookie change err=%v, want ErrCookieMismatch", err)
	}

	// Sequences toward other destinations are independent.
	other := &peer{slot: 0x01, cookie: nonce.Cookie{9}, csn: 0}
	if res, err := e.Route(sender, other.frame(0x03, "c")); err != nil || res.Action != ActionSendError {
		t.Fatalf("other destination=%+v, %v", res, err)
	}
}

func TestRouteResetsTrackerForNewOccupant(t *testing.T) {
	e, reg, _, responder := setup(t)
	sender := NewSender(testPath, 0x01)
	p := &peer{slot: 0x01, cookie: nonce.Cookie{1}, csn: 100}
	if _, err := e.Route(sender, p.frame(0x02, "a")); err != nil {
		t.Fatal(err)
	}

	if _, removed := reg.Unregister(testPath, 0x02, responder); !removed {
		t.Fatal("Unregister failed")
	}
	replacement := &fakeEndpoint{authenticated: true}
	if reg2, err := reg.Register(testPath, registry.RoleResponder, replacement, nil); err != nil || reg2.Slot != 0x02 {
		t.Fatalf("Register replacement=%+v, %v", reg2, err)
	}

	// New peer session: fresh cookie and a lower sequence are accepted.
	fresh := &peer{slot: 0x01, cookie: nonce.Cookie{2}, csn: 1}
	res, err := e.Route(sender, fresh.frame(0x02, "hello again"))
	if err != nil {
		t.Fatalf("Route to new occupant: %v", err)
	}
	if res.Destination != replacement || len(replacement.delivered) != 1 {
		t.Fatalf("result=%+v", res)
	}
}
