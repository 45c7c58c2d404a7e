// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"

	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
)

const (
	// KeyLength is the length of the shared gateway key.
	KeyLength = chacha20poly1305.KeySize

	// MaxFrameLength bounds the length of a single frame on the wire.
	MaxFrameLength = 1 << 20

	frameForward byte = 0x01
	framePushed  byte = 0x02
)

var (
	// ErrTooShortRequest is returned when a sealed frame can not even hold
	// the nonce and tag.
	ErrTooShortRequest = errors.New("gateway: request too short")

	// ErrMalformedEncryption is returned when a sealed frame fails to
	// authenticate.
	ErrMalformedEncryption = errors.New("gateway: malformed encryption")

	// ErrMalformedRequest is returned when an authenticated frame fails to
	// decode.
	ErrMalformedRequest = errors.New("gateway: malformed request")

	// ErrInvalidSize is returned for packets or frames of invalid size.
	ErrInvalidSize = errors.New("gateway: invalid size")
)

// ForwardRequest asks the gateway to forward a packet to its first hop.
type ForwardRequest struct {
	FirstHop [sConstants.NodeIDLength]byte
	Packet   []byte
}

// PushedMessage is a payload the gateway pushes to the client.
type PushedMessage struct {
	SURBID  []byte `cbor:"surb_id,omitempty"`
	Payload []byte
}

// Sealer encrypts and authenticates frames under the key shared by a
// client and its gateway.
type Sealer struct {
	aead         cipher.AEAD
	packetLength int
}

// NewSealer returns a Sealer for key.  A non-zero packetLength is the only
// packet length accepted in a ForwardRequest.
func NewSealer(key []byte, packetLength int) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, packetLength: packetLength}, nil
}

func (s *Sealer) seal(kind byte, v interface{}) ([]byte, error) {
	pt, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(pt)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out, pt, []byte{kind}), nil
}

func (s *Sealer) open(kind byte, b []byte, v interface{}) error {
	if len(b) < s.aead.NonceSize()+s.aead.Overhead() {
		return ErrTooShortRequest
	}
	nonce := b[:s.aead.NonceSize()]
	pt, err := s.aead.Open(nil, nonce, b[s.aead.NonceSize():], []byte{kind})
	if err != nil {
		return ErrMalformedEncryption
	}
	if err := cbor.Unmarshal(pt, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

func (s *Sealer) checkPacket(pkt []byte) error {
	if s.packetLength != 0 && len(pkt) != s.packetLength {
		return fmt.Errorf("%w: packet of %d bytes, expected %d", ErrInvalidSize, len(pkt), s.packetLength)
	}
	return nil
}

// SealForwardRequest seals a ForwardRequest.
func (s *Sealer) SealForwardRequest(r *ForwardRequest) ([]byte, error) {
	if err := s.checkPacket(r.Packet); err != nil {
		return nil, err
	}
	return s.seal(frameForward, r)
}

// OpenForwardRequest authenticates and decodes a ForwardRequest.
func (s *Sealer) OpenForwardRequest(b []byte) (*ForwardRequest, error) {
	r := new(ForwardRequest)
	if err := s.open(frameForward, b, r); err != nil {
		return nil, err
	}
	if err := s.checkPacket(r.Packet); err != nil {
		return nil, err
	}
	return r, nil
}

// SealPushedMessage seals a Delivery as a PushedMessage.
func (s *Sealer) SealPushedMessage(d *Delivery) ([]byte, error) {
	m := &PushedMessage{Payload: d.Payload}
	if d.SURBID != nil {
		m.SURBID = d.SURBID[:]
	}
	return s.seal(framePushed, m)
}

// OpenPushedMessage authenticates and decodes a PushedMessage.
func (s *Sealer) OpenPushedMessage(b []byte) (*Delivery, error) {
	m := new(PushedMessage)
	if err := s.open(framePushed, b, m); err != nil {
		return nil, err
	}
	d := &Delivery{Payload: m.Payload}
	switch len(m.SURBID) {
	case 0:
	case sConstants.SURBIDLength:
		d.SURBID = new([sConstants.SURBIDLength]byte)
		copy(d.SURBID[:], m.SURBID)
	default:
		return nil, fmt.Errorf("%w: SURB ID of %d bytes", ErrMalformedRequest, len(m.SURBID))
	}
	return d, nil
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameLength {
		return ErrInvalidSize
	}
	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one frame.  Zero length frames are keepalives.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLength {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrInvalidSize, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
