package nonce

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Sequence is the outbound csn of one direction. It is not safe for
// concurrent use.
type Sequence struct {
	next      uint64
	exhausted bool
}

// NewSequence starts a counter with overflow 0 and a random non-zero 32-bit
// sequence number.
func NewSequence(rand io.Reader) (*Sequence, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(rand, b[:]); err != nil {
			return nil, fmt.Errorf("generate sequence number: %w", err)
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return &Sequence{next: uint64(v)}, nil
		}
	}
}

// NewSequenceAt is used by tests and by callers that restore a counter.
func NewSequenceAt(start uint64) *Sequence {
	if start > MaxCombinedSequence {
		return &Sequence{exhausted: true}
	}
	return &Sequence{next: start}
}

// Next returns the csn for the next frame and advances the counter by one.
func (s *Sequence) Next() (uint64, error) {
	if s.exhausted {
		return 0, ErrSequenceOverflow
	}
	v := s.next
	if v == MaxCombinedSequence {
		s.exhausted = true
	} else {
		s.next++
	}
	return v, nil
}

// Peek returns the csn the next frame will carry.
func (s *Sequence) Peek() uint64 { return s.next }

// Tracker validates the nonces of one inbound direction: the cookie is fixed
// by the first accepted nonce and the csn must strictly increase.
type Tracker struct {
	cookie Cookie
	last   uint64
	seen   bool
}

// Check validates n without recording it. Callers that still need to
// authenticate the frame (box open) call Accept afterwards.
func (t *Tracker) Check(n Nonce) error {
	if !t.seen {
		return nil
	}
	if n.Cookie != t.cookie {
		return ErrCookieMismatch
	}
	if t.last == MaxCombinedSequence {
		return ErrSequenceOverflow
	}
	if n.CombinedSequence <= t.last {
		return fmt.Errorf("%w: got %d, last %d", ErrSequenceRegression, n.CombinedSequence, t.last)
	}
	return nil
}

// Accept validates and records n.
func (t *Tracker) Accept(n Nonce) error {
	if err := t.Check(n); err != nil {
		return err
	}
	t.cookie = n.Cookie
	t.last = n.CombinedSequence
	t.seen = true
	return nil
}

// Cookie returns the peer cookie once the first nonce has been accepted.
func (t *Tracker) Cookie() (Cookie, bool) { return t.cookie, t.seen }

func (t *Tracker) Reset() { *t = Tracker{} }
