// Package registry maps paths to the connections occupying their slots.
//
// The registry holds handles, never connections: the supervisor owns the
// connection and must Unregister it as part of teardown.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

var (
	ErrInitiatorAlreadyPresent = errors.New("registry: initiator already present")
	ErrPathFull                = errors.New("registry: path full")
	ErrNotFound                = errors.New("registry: slot not found")
	ErrInvalidRole             = errors.New("registry: invalid role")
)

type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func RoleOf(slot byte) Role {
	if slot == protocol.InitiatorID {
		return RoleInitiator
	}
	return RoleResponder
}

// Handle identifies a connection to the registry. Implementations must be
// comparable; the supervisor uses a pointer.
type Handle interface{}

// Peer is one occupied slot.
type Peer struct {
	Slot   byte
	Role   Role
	Handle Handle
}

type Registration struct {
	Slot byte
	// Peers are the other occupants of the path at registration time, ordered
	// by slot.
	Peers []Peer
	// Evicted is the stale initiator that was replaced, if any.
	Evicted Handle
}

// EvictFunc decides whether the initiator currently holding the slot is
// stale and may be replaced.
type EvictFunc func(existing Handle) bool

type path struct {
	slots map[byte]Handle
}

type Registry struct {
	mu    sync.Mutex
	paths map[string]*path
}

func New() *Registry {
	return &Registry{paths: make(map[string]*path)}
}

// Register assigns a slot on key to h. Initiators take slot 0x01; when it is
// occupied, evict decides whether the occupant is replaced or the request
// fails with ErrInitiatorAlreadyPresent. Responders take the lowest free id
// in [0x02, 0xff] or fail with ErrPathFull.
func (r *Registry) Register(key string, role Role, h Handle, evict EvictFunc) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.paths[key]
	if p == nil {
		p = &path{slots: make(map[byte]Handle)}
	}

	var reg Registration
	switch role {
	case RoleInitiator:
		if existing, ok := p.slots[protocol.InitiatorID]; ok {
			if evict == nil || !evict(existing) {
				return Registration{}, ErrInitiatorAlreadyPresent
			}
			reg.Evicted = existing
		}
		reg.Slot = protocol.InitiatorID
	case RoleResponder:
		slot, ok := p.freeResponderSlot()
		if !ok {
			return Registration{}, ErrPathFull
		}
		reg.Slot = slot
	default:
		return Registration{}, ErrInvalidRole
	}

	p.slots[reg.Slot] = h
	r.paths[key] = p
	reg.Peers = p.peers(reg.Slot)
	return reg, nil
}

func (p *path) freeResponderSlot() (byte, bool) {
	for id := int(protocol.FirstResponderID); id <= int(protocol.LastResponderID); id++ {
		if _, taken := p.slots[byte(id)]; !taken {
			return byte(id), true
		}
	}
	return 0, false
}

func (p *path) peers(except byte) []Peer {
	out := make([]Peer, 0, len(p.slots))
	for slot, h := range p.slots {
		if slot == except {
			continue
		}
		out = append(out, Peer{Slot: slot, Role: RoleOf(slot), Handle: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Unregister vacates slot if h still occupies it and removes the path once it
// is empty. It returns the remaining occupants and whether the slot was
// vacated.
func (r *Registry) Unregister(key string, slot byte, h Handle) ([]Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.paths[key]
	if p == nil {
		return nil, false
	}
	if current, ok := p.slots[slot]; !ok || current != h {
		return nil, false
	}
	delete(p.slots, slot)
	if len(p.slots) == 0 {
		delete(r.paths, key)
		return nil, true
	}
	return p.peers(slot), true
}

func (r *Registry) LookupPeer(key string, slot byte) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.paths[key]; p != nil {
		if h, ok := p.slots[slot]; ok {
			return h, nil
		}
	}
	return nil, ErrNotFound
}

// ListPeers returns all occupants of key ordered by slot.
func (r *Registry) ListPeers(key string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.paths[key]
	if p == nil {
		return nil
	}
	return p.peers(protocol.ServerID)
}

// Len returns the number of live paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Handles returns every registered handle.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Handle
	for _, p := range r.paths {
		for _, h := range p.slots {
			out = append(out, h)
		}
	}
	return out
}
