package relay

import (
	"fmt"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/registry"
)

// Endpoint is the view of a registered connection the engine needs to
// deliver frames.
type Endpoint interface {
	// Authenticated reports whether the connection completed its handshake
	// and is not closing.
	Authenticated() bool
	// Deliver queues a relayed frame. An error means the frame was not
	// queued.
	Deliver(frame []byte) error
}

type Action int

const (
	// ActionForward: the frame was queued on Result.Destination.
	ActionForward Action = iota + 1
	// ActionServer: the frame is addressed to the server.
	ActionServer
	// ActionSendError: the destination could not take the frame; the sender
	// gets a send-error for Result.ErrorID.
	ActionSendError
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionServer:
		return "server"
	case ActionSendError:
		return "send_error"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

type Result struct {
	Action      Action
	Frame       protocol.Frame
	Destination Endpoint
	ErrorID     [8]byte
	// Err explains a send-error.
	Err error
}

// Engine routes frames of authenticated senders through the registry.
type Engine struct {
	reg *registry.Registry
}

func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{reg: reg}
}

type destination struct {
	occupant registry.Handle
	tracker  nonce.Tracker
}

// Sender is the routing state of one authenticated connection. It is only
// used by the goroutine reading that connection.
type Sender struct {
	path string
	slot byte
	dsts map[byte]*destination
}

func NewSender(path string, slot byte) *Sender {
	return &Sender{path: path, slot: slot, dsts: make(map[byte]*destination)}
}

func (s *Sender) Slot() byte { return s.slot }

// allowed reports whether a client in s.slot may address dst.
func (s *Sender) allowed(dst byte) bool {
	if dst == s.slot {
		return false
	}
	if s.slot == protocol.InitiatorID {
		return protocol.IsResponderID(dst)
	}
	return dst == protocol.InitiatorID
}

// Route validates raw and forwards it. A returned error is a protocol
// violation by the sender; destination failures are reported through
// ActionSendError.
func (e *Engine) Route(s *Sender, raw []byte) (Result, error) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return Result{}, err
	}
	n := f.Nonce
	if n.Source != s.slot {
		return Result{}, fmt.Errorf("%w: source 0x%02x from slot 0x%02x", nonce.ErrAddressMismatch, n.Source, s.slot)
	}
	if n.Destination == protocol.ServerID {
		return Result{Action: ActionServer, Frame: f}, nil
	}
	if !s.allowed(n.Destination) {
		return Result{}, fmt.Errorf("%w: slot 0x%02x may not address 0x%02x", nonce.ErrAddressMismatch, s.slot, n.Destination)
	}

	h, lookupErr := e.reg.LookupPeer(s.path, n.Destination)
	d := s.dsts[n.Destination]
	if d == nil {
		d = &destination{}
		s.dsts[n.Destination] = d
	}
	if d.occupant != h {
		// A new occupant is a new peer session with its own cookie.
		d.tracker.Reset()
		d.occupant = h
	}
	if err := d.tracker.Accept(n); err != nil {
		return Result{}, fmt.Errorf("frame to 0x%02x: %w", n.Destination, err)
	}

	sendError := Result{Action: ActionSendError, Frame: f, ErrorID: n.ID()}
	if lookupErr != nil {
		sendError.Err = ErrDestinationNotFound
		return sendError, nil
	}
	ep, ok := h.(Endpoint)
	if !ok || !ep.Authenticated() {
		sendError.Err = ErrDestinationNotFound
		return sendError, nil
	}
	if err := ep.Deliver(f.Raw); err != nil {
		sendError.Err = fmt.Errorf("%w: %v", ErrDestinationNotFound, err)
		return sendError, nil
	}
	return Result{Action: ActionForward, Frame: f, Destination: ep}, nil
}
