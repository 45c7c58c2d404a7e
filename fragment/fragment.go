// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragment splits messages into self describing fragments that fit
// one packet payload each, and reassembles them in any order.
//
// Messages needing more than MaxFragmentsPerSet fragments are carried by a
// chain of fragment sets: the last fragment of every set but the final one
// names the next set, and every successor set is flagged as a continuation
// so the receiver can identify the head of the chain.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// SetIDLength is the length of a fragment set identifier.
	SetIDLength = 16

	// HeaderLength is the length of the fixed fragment header.
	HeaderLength = SetIDLength + 1 + 1 + 1 + SetIDLength + 2

	// MaxFragmentsPerSet is the number of fragments addressable by one set.
	MaxFragmentsPerSet = 255

	// IDLength is the length of a serialized fragment ID.
	IDLength = SetIDLength + 1

	flagContinuation = 1 << 0
	flagLinkMore     = 1 << 1
	flagMask         = flagContinuation | flagLinkMore

	maxPayloadLength = 1<<16 - 1
)

var (
	// ErrMalformedFragment is returned when a serialized fragment fails to
	// decode.
	ErrMalformedFragment = errors.New("fragment: malformed fragment")

	// ErrInconsistentSet is returned when fragments of one set disagree
	// about the set metadata.
	ErrInconsistentSet = errors.New("fragment: inconsistent fragment set")
)

// SetID identifies a fragment set.
type SetID [SetIDLength]byte

var zeroSetID SetID

func (s SetID) String() string {
	return fmt.Sprintf("%x", s[:])
}

// NewSetID returns a random set ID.
func NewSetID(r io.Reader) (SetID, error) {
	var id SetID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

// LinkKind discriminates Link.
type LinkKind uint8

const (
	// LinkTerminal marks the last set of a message.
	LinkTerminal LinkKind = iota

	// LinkMore marks a set that is followed by Link.Next.
	LinkMore
)

// Link is the linkage from a set to its successor.
type Link struct {
	Kind LinkKind
	Next SetID
}

// Terminal returns the terminal link.
func Terminal() Link {
	return Link{Kind: LinkTerminal}
}

// More returns a link to the next set.
func More(next SetID) Link {
	return Link{Kind: LinkMore, Next: next}
}

// ID is the identity of a fragment.  It doubles as the ack token.
type ID struct {
	SetID SetID
	Index uint8
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.SetID, id.Index)
}

// Bytes returns the serialized ID.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id.SetID[:])
	b[SetIDLength] = id.Index
	return b
}

// IDFromBytes deserializes an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) < IDLength {
		return id, ErrMalformedFragment
	}
	copy(id.SetID[:], b[:SetIDLength])
	id.Index = b[SetIDLength]
	return id, nil
}

// Fragment is one slice of a message.  Fragments are immutable once
// created.
type Fragment struct {
	SetID        SetID
	Index        uint8
	Total        uint8
	Link         Link
	Continuation bool
	Payload      []byte
}

// ID returns the fragment identity.
func (f *Fragment) ID() ID {
	return ID{SetID: f.SetID, Index: f.Index}
}

func (f *Fragment) String() string {
	return fmt.Sprintf("fragment %s (%d/%d)", f.ID(), f.Index+1, f.Total)
}

func (f *Fragment) validate() error {
	switch {
	case f.Total == 0:
		return fmt.Errorf("%w: zero total", ErrMalformedFragment)
	case f.Index >= f.Total:
		return fmt.Errorf("%w: index %d >= total %d", ErrMalformedFragment, f.Index, f.Total)
	case f.Link.Kind == LinkMore && f.Index != f.Total-1:
		return fmt.Errorf("%w: link on non-final fragment", ErrMalformedFragment)
	case f.Link.Kind == LinkTerminal && f.Link.Next != zeroSetID:
		return fmt.Errorf("%w: next set on terminal fragment", ErrMalformedFragment)
	case f.Link.Kind > LinkMore:
		return fmt.Errorf("%w: unknown link kind", ErrMalformedFragment)
	case len(f.Payload) > maxPayloadLength:
		return fmt.Errorf("%w: payload too large", ErrMalformedFragment)
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.  The result is the
// header followed by the payload, senders zero pad it to the packet
// payload size.
func (f *Fragment) MarshalBinary() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	b := make([]byte, HeaderLength, HeaderLength+len(f.Payload))
	copy(b[0:], f.SetID[:])
	b[16] = f.Total
	b[17] = f.Index
	if f.Continuation {
		b[18] |= flagContinuation
	}
	if f.Link.Kind == LinkMore {
		b[18] |= flagLinkMore
		copy(b[19:35], f.Link.Next[:])
	}
	binary.BigEndian.PutUint16(b[35:37], uint16(len(f.Payload)))
	return append(b, f.Payload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.  Trailing bytes
// past the payload must be zero padding.
func (f *Fragment) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLength {
		return fmt.Errorf("%w: truncated header", ErrMalformedFragment)
	}
	flags := b[18]
	if flags&^flagMask != 0 {
		return fmt.Errorf("%w: unknown flags 0x%02x", ErrMalformedFragment, flags)
	}
	payloadLen := int(binary.BigEndian.Uint16(b[35:37]))
	if len(b)-HeaderLength < payloadLen {
		return fmt.Errorf("%w: truncated payload", ErrMalformedFragment)
	}
	for _, v := range b[HeaderLength+payloadLen:] {
		if v != 0 {
			return fmt.Errorf("%w: non-zero padding", ErrMalformedFragment)
		}
	}

	var tmp Fragment
	copy(tmp.SetID[:], b[0:16])
	tmp.Total = b[16]
	tmp.Index = b[17]
	tmp.Continuation = flags&flagContinuation != 0
	if flags&flagLinkMore != 0 {
		tmp.Link.Kind = LinkMore
	}
	copy(tmp.Link.Next[:], b[19:35])
	tmp.Payload = make([]byte, payloadLen)
	copy(tmp.Payload, b[HeaderLength:HeaderLength+payloadLen])
	if err := tmp.validate(); err != nil {
		return err
	}
	*f = tmp
	return nil
}

// FromBytes decodes a serialized fragment.
func FromBytes(b []byte) (*Fragment, error) {
	f := new(Fragment)
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return f, nil
}

// OversizeHeaderError is returned when the fragment size can not hold the
// header and at least one payload byte.
type OversizeHeaderError struct {
	FragmentSize int
}

func (e *OversizeHeaderError) Error() string {
	return fmt.Sprintf("fragment: fragment size %d can not hold the %d byte header and a payload byte", e.FragmentSize, HeaderLength)
}

// IncompleteSetError is returned by Reassemble until every fragment of
// every chained set is present.  It is transient.
type IncompleteSetError struct {
	SetID   SetID
	Missing int
}

func (e *IncompleteSetError) Error() string {
	if e.Missing < 0 {
		return fmt.Sprintf("fragment: set %s is incomplete: chain segment missing", e.SetID)
	}
	return fmt.Sprintf("fragment: set %s is incomplete: %d fragments missing", e.SetID, e.Missing)
}

// Fragmenter splits payloads into fragments of a fixed serialized size.
type Fragmenter struct {
	rng          io.Reader
	fragmentSize int
}

// NewFragmenter returns a Fragmenter whose serialized fragments are at
// most fragmentSize bytes, including the header.
func NewFragmenter(fragmentSize int) (*Fragmenter, error) {
	if fragmentSize < HeaderLength+1 {
		return nil, &OversizeHeaderError{FragmentSize: fragmentSize}
	}
	return &Fragmenter{
		rng:          rand.Reader,
		fragmentSize: fragmentSize,
	}, nil
}

// Capacity returns the payload bytes carried per fragment.
func (f *Fragmenter) Capacity() int {
	c := f.fragmentSize - HeaderLength
	if c > maxPayloadLength {
		c = maxPayloadLength
	}
	return c
}

// Count returns the number of fragments payloadLen bytes will need.
func (f *Fragmenter) Count(payloadLen int) int {
	c := f.Capacity()
	n := (payloadLen + c - 1) / c
	if n == 0 {
		n = 1
	}
	return n
}

// Fragment splits payload into one or more linked fragment sets.
func (f *Fragmenter) Fragment(payload []byte) ([]*Fragment, error) {
	capacity := f.Capacity()
	count := f.Count(len(payload))
	nrSets := (count + MaxFragmentsPerSet - 1) / MaxFragmentsPerSet

	ids := make([]SetID, nrSets)
	for i := range ids {
		var err error
		if ids[i], err = NewSetID(f.rng); err != nil {
			return nil, err
		}
	}

	frags := make([]*Fragment, 0, count)
	for s := 0; s < nrSets; s++ {
		total := count - s*MaxFragmentsPerSet
		if total > MaxFragmentsPerSet {
			total = MaxFragmentsPerSet
		}
		for i := 0; i < total; i++ {
			off := (s*MaxFragmentsPerSet + i) * capacity
			end := off + capacity
			if end > len(payload) {
				end = len(payload)
			}
			p := make([]byte, end-off)
			copy(p, payload[off:end])

			frag := &Fragment{
				SetID:        ids[s],
				Index:        uint8(i),
				Total:        uint8(total),
				Continuation: s > 0,
				Payload:      p,
			}
			if i == total-1 && s < nrSets-1 {
				frag.Link = More(ids[s+1])
			}
			frags = append(frags, frag)
		}
	}
	return frags, nil
}

// Split is a convenience wrapper around NewFragmenter and Fragment.
func Split(payload []byte, fragmentSize int) ([]*Fragment, error) {
	f, err := NewFragmenter(fragmentSize)
	if err != nil {
		return nil, err
	}
	return f.Fragment(payload)
}

type setParts struct {
	total        uint8
	continuation bool
	link         Link
	parts        map[uint8][]byte
}

// Reassemble reconstructs a message from its fragments, in any order and
// with duplicates.
func Reassemble(fragments []*Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, &IncompleteSetError{Missing: -1}
	}
	sets := make(map[SetID]*setParts)
	for _, f := range fragments {
		if err := f.validate(); err != nil {
			return nil, err
		}
		s, ok := sets[f.SetID]
		if !ok {
			s = &setParts{total: f.Total, continuation: f.Continuation, parts: make(map[uint8][]byte)}
			sets[f.SetID] = s
		}
		if s.total != f.Total || s.continuation != f.Continuation {
			return nil, fmt.Errorf("%w: %s", ErrInconsistentSet, f.SetID)
		}
		if f.Link.Kind == LinkMore {
			s.link = f.Link
		}
		s.parts[f.Index] = f.Payload
	}

	var head *SetID
	for id, s := range sets {
		if !s.continuation {
			if head != nil {
				return nil, fmt.Errorf("%w: multiple chain heads", ErrInconsistentSet)
			}
			id := id
			head = &id
		}
	}
	if head == nil {
		for id := range sets {
			return nil, &IncompleteSetError{SetID: id, Missing: -1}
		}
	}

	var out []byte
	id := *head
	for visited := 0; ; visited++ {
		s, ok := sets[id]
		if !ok {
			return nil, &IncompleteSetError{SetID: id, Missing: -1}
		}
		if missing := int(s.total) - len(s.parts); missing > 0 {
			return nil, &IncompleteSetError{SetID: id, Missing: missing}
		}
		// The link rides on the final fragment, so it is known once the
		// set is complete.
		for i := 0; i < int(s.total); i++ {
			out = append(out, s.parts[uint8(i)]...)
		}
		if s.link.Kind == LinkTerminal {
			return out, nil
		}
		if visited >= len(sets) {
			return nil, fmt.Errorf("%w: chain loop", ErrInconsistentSet)
		}
		id = s.link.Next
	}
}
