// surb.go - Sphinx Packet Format SURB.
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

package sphinx

import (
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/sphinx/internal/crypto"
)

const (
	sprpKeyMaterialLength = crypto.SPRPKeyLength + crypto.SPRPIVLength
)

// ErrInvalidSURBKeys is returned when SURB decryption keys are malformed.
var ErrInvalidSURBKeys = errors.New("sphinx: invalid SURB decryption keys")

// NewSURB creates a new SURB with the provided path using the provided entropy
// source, and returns the SURB and decrypion keys.
func (s *Sphinx) NewSURB(r io.Reader, path []*PathHop) ([]byte, []byte, error) {
	// Create a random SPRP key + iv for the recipient to use to encrypt
	// the payload when using the SURB.
	var keyPayload [sprpKeyMaterialLength]byte
	if _, err := io.ReadFull(r, keyPayload[:]); err != nil {
		return nil, nil, err
	}
	defer crypto.ExplicitBzero(keyPayload[:])

	hdr, sprpKeys, err := s.createHeader(r, path)
	if err != nil {
		return nil, nil, err
	}

	// Serialize the SPRP keys into an opaque blob, in reverse order to ease
	// decryption.
	k := make([]byte, 0, sprpKeyMaterialLength*(len(path)+1))
	for i := len(path) - 1; i >= 0; i-- {
		k = append(k, sprpKeys[i].key[:]...)
		k = append(k, sprpKeys[i].iv[:]...)
		sprpKeys[i].Reset()
	}
	k = append(k, keyPayload[:]...)

	// Serialize the SURB into an opaque blob.
	surb := make([]byte, 0, s.geometry.SURBLength)
	surb = append(surb, hdr...)
	surb = append(surb, path[0].ID[:]...)
	surb = append(surb, keyPayload[:]...)

	return surb, k, nil
}

// NewPacketFromSURB creates a new reply Sphinx packet with the provided SURB
// and payload, and returns the packet and ID of the first hop.
func (s *Sphinx) NewPacketFromSURB(surb, payload []byte) ([]byte, *[constants.NodeIDLength]byte, error) {
	var (
		idOff  = s.geometry.HeaderLength
		keyOff = idOff + constants.NodeIDLength
		ivOff  = keyOff + crypto.SPRPKeyLength
	)

	if len(surb) != s.geometry.SURBLength {
		return nil, nil, fmt.Errorf("%w: truncated SURB", ErrMalformedPacket)
	}
	if len(payload) > s.geometry.ForwardPayloadLength {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), s.geometry.ForwardPayloadLength)
	}

	// Deserialize the SURB.
	hdr := surb[:s.geometry.HeaderLength]
	var nodeID [constants.NodeIDLength]byte
	var sprpKey [crypto.SPRPKeyLength]byte
	var sprpIV [crypto.SPRPIVLength]byte

	copy(nodeID[:], surb[idOff:keyOff])
	copy(sprpKey[:], surb[keyOff:ivOff])
	defer crypto.ExplicitBzero(sprpKey[:])
	copy(sprpIV[:], surb[ivOff:])
	defer crypto.ExplicitBzero(sprpIV[:])

	// Assemble the packet.
	pkt := make([]byte, s.geometry.PacketLength)
	copy(pkt, hdr)
	copy(pkt[len(hdr)+s.geometry.PayloadTagLength:], payload)

	// Encrypt the payload.
	b := crypto.SPRPEncrypt(&sprpKey, &sprpIV, pkt[len(hdr):])
	copy(pkt[len(hdr):], b)

	return pkt, &nodeID, nil
}

// DecryptSURBPayload decrypts the provided Sphinx payload generated via a SURB
// with the provided keys, and returns the plaintext.  The keys are left
// intact, callers that will not retry decryption should clear them.
func (s *Sphinx) DecryptSURBPayload(payload, keys []byte) ([]byte, error) {
	nrHops := len(keys) / sprpKeyMaterialLength
	if len(keys)%sprpKeyMaterialLength != 0 || nrHops < 1 {
		return nil, ErrInvalidSURBKeys
	}
	if len(payload) != s.geometry.PayloadTagLength+s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformedPacket)
	}

	k := keys[0:]
	var sprpKey [crypto.SPRPKeyLength]byte
	var sprpIV [crypto.SPRPIVLength]byte
	defer crypto.ExplicitBzero(sprpKey[:])
	defer crypto.ExplicitBzero(sprpIV[:])

	b := payload
	for i := 0; i < nrHops; i++ {
		copy(sprpKey[:], k[:crypto.SPRPKeyLength])
		copy(sprpIV[:], k[crypto.SPRPKeyLength:sprpKeyMaterialLength])
		k = k[sprpKeyMaterialLength:]
		if i == nrHops-1 {
			b = crypto.SPRPDecrypt(&sprpKey, &sprpIV, b)
		} else {
			// Undo one *decrypt* operation done by the Unwrap.
			b = crypto.SPRPEncrypt(&sprpKey, &sprpIV, b)
		}
	}

	// Authenticate the payload.
	if !crypto.CtIsZero(b[:s.geometry.PayloadTagLength]) {
		return nil, fmt.Errorf("%w: payload tag", ErrIntegrity)
	}

	return b[s.geometry.PayloadTagLength:], nil
}
