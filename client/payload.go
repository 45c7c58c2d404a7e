// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"

	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/fragment"
)

// Payload kinds, the first byte of every decrypted payload.  The kind is
// only visible to the final recipient.
const (
	kindData byte = iota + 1
	kindAck
	kindLoop
	kindDrop
)

const loopIDLength = 16

var errMalformedPayload = errors.New("client: malformed payload")

func kindString(k byte) string {
	switch k {
	case kindData:
		return "data"
	case kindAck:
		return "ack"
	case kindLoop:
		return "loop"
	case kindDrop:
		return "drop"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// replyHeaderLength is the length of the reply carrying prefix shared by
// data and loop payloads: kind, SURB ID, first hop and the SURB itself.
func replyHeaderLength(geo *sphinx.Geometry) int {
	return 1 + sConstants.SURBIDLength + sConstants.NodeIDLength + geo.SURBLength
}

// fragmentCapacity is the number of bytes available to a serialized
// fragment in a data payload.
func fragmentCapacity(geo *sphinx.Geometry) int {
	return geo.ForwardPayloadLength - replyHeaderLength(geo)
}

type replyCarrying struct {
	kind     byte
	surbID   [sConstants.SURBIDLength]byte
	firstHop [sConstants.NodeIDLength]byte
	surb     []byte
	body     []byte
}

func encodeReplyCarrying(geo *sphinx.Geometry, kind byte, rb *replyBlock, body []byte) ([]byte, error) {
	if len(rb.SURB) != geo.SURBLength {
		return nil, fmt.Errorf("%w: SURB length %d", errMalformedPayload, len(rb.SURB))
	}
	if replyHeaderLength(geo)+len(body) > geo.ForwardPayloadLength {
		return nil, fmt.Errorf("%w: body length %d", errMalformedPayload, len(body))
	}
	b := make([]byte, 0, geo.ForwardPayloadLength)
	b = append(b, kind)
	b = append(b, rb.ID[:]...)
	b = append(b, rb.FirstHop[:]...)
	b = append(b, rb.SURB...)
	b = append(b, body...)
	return b, nil
}

func decodeReplyCarrying(geo *sphinx.Geometry, b []byte) (*replyCarrying, error) {
	if len(b) < replyHeaderLength(geo) {
		return nil, fmt.Errorf("%w: truncated", errMalformedPayload)
	}
	p := &replyCarrying{kind: b[0]}
	if p.kind != kindData && p.kind != kindLoop {
		return nil, fmt.Errorf("%w: kind %s carries no SURB", errMalformedPayload, kindString(p.kind))
	}
	off := 1
	off += copy(p.surbID[:], b[off:])
	off += copy(p.firstHop[:], b[off:])
	p.surb = b[off : off+geo.SURBLength]
	p.body = b[off+geo.SURBLength:]
	return p, nil
}

func encodeAck(token fragment.ID) []byte {
	return append([]byte{kindAck}, token.Bytes()...)
}

func decodeAck(b []byte) (fragment.ID, error) {
	if len(b) < 1+fragment.IDLength || b[0] != kindAck {
		return fragment.ID{}, fmt.Errorf("%w: not an ack", errMalformedPayload)
	}
	return fragment.IDFromBytes(b[1 : 1+fragment.IDLength])
}
