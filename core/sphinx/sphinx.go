// sphinx.go - Sphinx Packet Format.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sphinx implements the Sphinx Packet Format over a pluggable NIKE.
// It is the layered packet codec consumed by the client: packets are built
// for a route of relay public keys, and unwrapped one layer at a time.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/katzenpost/hpqc/nike"

	"github.com/katzenpost/mixclient/core/sphinx/commands"
	"github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/sphinx/internal/crypto"
)

const (
	adLength = 2

	// payloadTagLength is the length of the Sphinx packet payload SPRP tag.
	payloadTagLength = 32
)

var (
	v0AD = [2]byte{0x00, 0x00}

	// ErrRouteTooLong is returned when a route has more hops than the
	// geometry allows.
	ErrRouteTooLong = errors.New("sphinx: route too long")

	// ErrEmptyRoute is returned when a route has no hops.
	ErrEmptyRoute = errors.New("sphinx: empty route")

	// ErrPayloadTooLarge is returned when a payload exceeds the forward
	// payload capacity.
	ErrPayloadTooLarge = errors.New("sphinx: payload too large")

	// ErrMalformedPacket is returned when a packet or SURB can not be
	// parsed.
	ErrMalformedPacket = errors.New("sphinx: malformed packet")

	// ErrIntegrity is returned when a header MAC or payload tag fails to
	// authenticate.
	ErrIntegrity = errors.New("sphinx: integrity check failed")
)

// Geometry describes the geometry of a Sphinx packet.
type Geometry struct {
	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the maximum number of hops, this indicates the size
	// of the Sphinx packet header.
	NrHops int

	// HeaderLength is the length of the Sphinx packet header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// SURBLength is the length of SURB.
	SURBLength int

	// SURBIDLength is the length of a SURB ID.
	SURBIDLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("number of hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	b.WriteString(fmt.Sprintf("surb size: %d\n", g.SURBLength))
	return b.String()
}

// GeometryFromForwardPayloadLength derives the packet geometry for the
// given NIKE scheme, payload capacity and maximum hop count.
func GeometryFromForwardPayloadLength(scheme nike.Scheme, forwardPayloadLength, nrHops int) *Geometry {
	perHop := commands.NodeDelayLength + commands.NextNodeHopLength
	if terminal := commands.RecipientLength + commands.SURBReplyLength; terminal > perHop {
		perHop = terminal
	}
	routingInfoLength := perHop * nrHops
	headerLength := adLength + scheme.PublicKeySize() + routingInfoLength + crypto.MACLength

	return &Geometry{
		PacketLength:            headerLength + payloadTagLength + forwardPayloadLength,
		NrHops:                  nrHops,
		HeaderLength:            headerLength,
		RoutingInfoLength:       routingInfoLength,
		PerHopRoutingInfoLength: perHop,
		SURBLength:              headerLength + constants.NodeIDLength + sprpKeyMaterialLength,
		SURBIDLength:            constants.SURBIDLength,
		PayloadTagLength:        payloadTagLength,
		ForwardPayloadLength:    forwardPayloadLength,
		NodeIDLength:            constants.NodeIDLength,
	}
}

// Sphinx is a modular implementation of the Sphinx cryptographic packet
// format that has a pluggable NIKE, non-interactive key exchange.
type Sphinx struct {
	nike     nike.Scheme
	geometry *Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(n nike.Scheme, geometry *Geometry) *Sphinx {
	return &Sphinx{
		nike:     n,
		geometry: geometry,
	}
}

// Geometry returns the Sphinx packet geometry.
func (s *Sphinx) Geometry() *Geometry {
	return s.geometry
}

// Scheme returns the NIKE scheme used for the per-hop key exchange.
func (s *Sphinx) Scheme() nike.Scheme {
	return s.nike
}

// PathHop describes a hop that a Sphinx Packet will traverse, along with
// all of the per-hop Commands (excluding NextNodeHop).
type PathHop struct {
	ID        [constants.NodeIDLength]byte
	PublicKey nike.PublicKey
	Commands  []commands.RoutingCommand
}

type sprpKey struct {
	key [crypto.SPRPKeyLength]byte
	iv  [crypto.SPRPIVLength]byte
}

func (k *sprpKey) Reset() {
	crypto.ExplicitBzero(k.key[:])
	crypto.ExplicitBzero(k.iv[:])
}

func (s *Sphinx) commandsToBytes(cmds []commands.RoutingCommand, isTerminal bool) ([]byte, error) {
	b := make([]byte, 0, s.geometry.PerHopRoutingInfoLength)
	for _, v := range cmds {
		// NextNodeHop is generated by the header creation process.
		if _, isNextNodeHop := v.(*commands.NextNodeHop); isNextNodeHop {
			return nil, errors.New("sphinx: invalid commands, NextNodeHop")
		}
		b = v.ToBytes(b)
	}
	if len(b) > s.geometry.PerHopRoutingInfoLength {
		return nil, errors.New("sphinx: invalid commands, oversized serialized block")
	}
	if !isTerminal && s.geometry.PerHopRoutingInfoLength-len(b) < commands.NextNodeHopLength {
		return nil, errors.New("sphinx: invalid commands, insufficient remaining capacity")
	}
	return b, nil
}

func (s *Sphinx) createHeader(r io.Reader, path []*PathHop) ([]byte, []*sprpKey, error) {
	nrHops := len(path)
	if nrHops == 0 {
		return nil, nil, ErrEmptyRoute
	}
	if nrHops > s.geometry.NrHops {
		return nil, nil, ErrRouteTooLong
	}

	// Derive the key material for each hop.
	clientPublicKey, clientPrivateKey, err := s.nike.GenerateKeyPairFromEntropy(r)
	if err != nil {
		return nil, nil, err
	}
	defer clientPrivateKey.Reset()
	defer clientPublicKey.Reset()

	groupElements := make([]nike.PublicKey, nrHops)
	keys := make([]*crypto.PacketKeys, nrHops)

	sharedSecret := s.nike.DeriveSecret(clientPrivateKey, path[0].PublicKey)
	keys[0] = crypto.KDF(sharedSecret, s.nike)
	defer keys[0].Reset()
	crypto.ExplicitBzero(sharedSecret)

	if groupElements[0], err = s.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes()); err != nil {
		return nil, nil, err
	}

	for i := 1; i < nrHops; i++ {
		sharedSecret = s.nike.DeriveSecret(clientPrivateKey, path[i].PublicKey)
		for j := 0; j < i; j++ {
			pub, err := s.nike.UnmarshalBinaryPublicKey(sharedSecret)
			if err != nil {
				return nil, nil, err
			}
			sharedSecret = s.nike.Blind(pub, keys[j].BlindingFactor).Bytes()
		}
		keys[i] = crypto.KDF(sharedSecret, s.nike)
		defer keys[i].Reset()
		crypto.ExplicitBzero(sharedSecret)

		if err = clientPublicKey.Blind(keys[i-1].BlindingFactor); err != nil {
			return nil, nil, err
		}
		if groupElements[i], err = s.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes()); err != nil {
			return nil, nil, err
		}
	}

	// Derive the routing_information keystream and encrypted padding for each
	// hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)

	for i := 0; i < nrHops; i++ {
		keyStream := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
		defer crypto.ExplicitBzero(keyStream)

		streamCipher := crypto.NewStream(&keys[i].HeaderEncryption, &keys[i].HeaderEncryptionIV)
		streamCipher.KeyStream(keyStream)

		ksLen := len(keyStream) - (i+1)*s.geometry.PerHopRoutingInfoLength
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	// Create the routing_information block.
	var mac []byte
	var routingInfo []byte
	if skippedHops := s.geometry.NrHops - nrHops; skippedHops > 0 {
		routingInfo = make([]byte, skippedHops*s.geometry.PerHopRoutingInfoLength)
		if _, err := io.ReadFull(r, routingInfo); err != nil {
			return nil, nil, err
		}
	}
	zeroBytes := make([]byte, s.geometry.PerHopRoutingInfoLength)
	for i := nrHops - 1; i >= 0; i-- {
		isTerminal := i == nrHops-1

		riFragment, err := s.commandsToBytes(path[i].Commands, isTerminal)
		if err != nil {
			return nil, nil, err
		}
		if !isTerminal {
			nextCmd := &commands.NextNodeHop{}
			copy(nextCmd.ID[:], path[i+1].ID[:])
			copy(nextCmd.MAC[:], mac)
			riFragment = nextCmd.ToBytes(riFragment)
		}
		if padLen := s.geometry.PerHopRoutingInfoLength - len(riFragment); padLen > 0 {
			riFragment = append(riFragment, zeroBytes[:padLen]...)
		}

		routingInfo = append(riFragment, routingInfo...) // Prepend
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		m := crypto.NewMAC(&keys[i].HeaderMAC)
		m.Write(v0AD[:])
		m.Write(groupElements[i].Bytes())
		m.Write(routingInfo)
		if i > 0 {
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
	}

	// Assemble the completed Sphinx Packet Header and Sphinx Packet Payload
	// SPRP key vector.
	hdr := make([]byte, 0, s.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, groupElements[0].Bytes()...)
	hdr = append(hdr, routingInfo...)
	hdr = append(hdr, mac...)

	sprpKeys := make([]*sprpKey, 0, nrHops)
	for i := 0; i < nrHops; i++ {
		// The header encryption IV is reused for the SPRP because the keys
		// *and* the primitives are different.
		k := new(sprpKey)
		copy(k.key[:], keys[i].PayloadEncryption[:])
		copy(k.iv[:], keys[i].HeaderEncryptionIV[:])
		sprpKeys = append(sprpKeys, k)
	}

	return hdr, sprpKeys, nil
}

// NewPacket creates a forward Sphinx packet with the provided path and
// payload, using the provided entropy source.  Payloads shorter than the
// forward payload length are zero padded, so every packet produced by a
// given geometry has the same length.
func (s *Sphinx) NewPacket(r io.Reader, path []*PathHop, payload []byte) ([]byte, error) {
	if len(payload) > s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), s.geometry.ForwardPayloadLength)
	}

	hdr, sprpKeys, err := s.createHeader(r, path)
	if err != nil {
		return nil, err
	}
	for _, v := range sprpKeys {
		defer v.Reset()
	}

	// Assemble the packet.
	pkt := make([]byte, s.geometry.PacketLength)
	copy(pkt, hdr)
	copy(pkt[len(hdr)+s.geometry.PayloadTagLength:], payload)

	// Encrypt the payload.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := sprpKeys[i]
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, nil
}

// Unwrap unwraps the provided Sphinx packet pkt in-place, using the provided
// NIKE private key, and returns the payload (if applicable), replay tag, and
// routing info command vector.
func (s *Sphinx) Unwrap(privKey nike.PrivateKey, pkt []byte) ([]byte, []byte, []commands.RoutingCommand, error) {
	var (
		geOff      = adLength
		riOff      = geOff + s.nike.PublicKeySize()
		macOff     = riOff + s.geometry.RoutingInfoLength
		payloadOff = macOff + crypto.MACLength
	)

	// Do some basic sanity checking, and validate the AD.
	if len(pkt) != s.geometry.PacketLength {
		return nil, nil, nil, fmt.Errorf("%w: invalid length %d", ErrMalformedPacket, len(pkt))
	}
	if subtle.ConstantTimeCompare(v0AD[:], pkt[:adLength]) != 1 {
		return nil, nil, nil, fmt.Errorf("%w: unknown version", ErrMalformedPacket)
	}

	// Calculate the hop's shared secret, and replay_tag.
	groupElement, err := s.nike.UnmarshalBinaryPublicKey(pkt[geOff:riOff])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: failed to unmarshal group element: %v", ErrMalformedPacket, err)
	}
	sharedSecret := s.nike.DeriveSecret(privKey, groupElement)
	defer crypto.ExplicitBzero(sharedSecret)

	replayTag := crypto.Hash(groupElement.Bytes())

	// Derive the various keys required for packet processing.
	keys := crypto.KDF(sharedSecret, s.nike)
	defer keys.Reset()

	// Validate the Sphinx Packet Header.
	m := crypto.NewMAC(&keys.HeaderMAC)
	m.Write(pkt[0:macOff])
	mac := m.Sum(nil)

	if subtle.ConstantTimeCompare(pkt[macOff:macOff+crypto.MACLength], mac) != 1 {
		return nil, replayTag[:], nil, fmt.Errorf("%w: MAC mismatch", ErrIntegrity)
	}

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing_info block, and extract the section for the current hop.
	b := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
	copy(b[:s.geometry.RoutingInfoLength], pkt[riOff:riOff+s.geometry.RoutingInfoLength])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	stream.XORKeyStream(b[:], b[:])

	newRoutingInfo := b[s.geometry.PerHopRoutingInfoLength:]
	cmdBuf := b[:s.geometry.PerHopRoutingInfoLength]

	// Parse the per-hop routing commands.
	var nextNode *commands.NextNodeHop
	var surbReply *commands.SURBReply
	cmds := make([]commands.RoutingCommand, 0, 2)
	for {
		cmd, rest, err := commands.FromBytes(cmdBuf)
		if err != nil {
			return nil, replayTag[:], nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		} else if cmd == nil { // Terminal null command.
			break
		}

		switch c := cmd.(type) {
		case *commands.NextNodeHop:
			if nextNode != nil {
				return nil, replayTag[:], nil, fmt.Errorf("%w: > 1 next_node", ErrMalformedPacket)
			}
			nextNode = c
		case *commands.SURBReply:
			if surbReply != nil {
				return nil, replayTag[:], nil, fmt.Errorf("%w: > 1 surb_reply", ErrMalformedPacket)
			}
			surbReply = c
		default:
		}

		cmds = append(cmds, cmd)
		cmdBuf = rest
	}

	// Decrypt the Sphinx Packet Payload.
	payload := crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, pkt[payloadOff:])

	// Transform the packet for forwarding to the next mix, iff the
	// routing commands vector included a NextNodeHopCommand.
	if nextNode != nil {
		if err := groupElement.Blind(keys.BlindingFactor); err != nil {
			return nil, replayTag[:], nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		copy(pkt[geOff:riOff], groupElement.Bytes())
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], nextNode.MAC[:])
		copy(pkt[payloadOff:], payload)
		return nil, replayTag[:], cmds, nil
	}

	// Validate the payload tag, iff this is not a SURB reply.
	if surbReply == nil {
		if !crypto.CtIsZero(payload[:s.geometry.PayloadTagLength]) {
			return nil, replayTag[:], nil, fmt.Errorf("%w: payload tag", ErrIntegrity)
		}
		payload = payload[s.geometry.PayloadTagLength:]
	}

	return payload, replayTag[:], cmds, nil
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes called with mismatched buffer sizes, got 'len(a)' %d and 'len(b)' %d", len(a), len(b)))
	}
	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}
