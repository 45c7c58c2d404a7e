// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway implements the client's connection to its gateway node.
package gateway

import (
	"context"

	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
)

// Delivery is a payload pushed by the gateway.
type Delivery struct {
	// SURBID is set iff the payload arrived on one of the recipient's
	// SURBs, in which case Payload is still SURB encrypted.
	SURBID *[sConstants.SURBIDLength]byte

	Payload []byte
}

// Transport carries Sphinx packets to the gateway, and payloads back.
type Transport interface {
	// Send hands a packet to the gateway for forwarding to firstHop.
	Send(ctx context.Context, firstHop *[sConstants.NodeIDLength]byte, pkt []byte) error

	// Receive returns the channel of pushed payloads.
	Receive() <-chan *Delivery

	// Close tears down the transport.
	Close() error
}
