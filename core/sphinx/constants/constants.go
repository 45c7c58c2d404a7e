// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants contains the Sphinx Packet Format constants shared by
// the codec, the routing commands and the client.
package constants

const (
	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength = 32

	// RecipientIDLength is the recipient identifier length in bytes.
	RecipientIDLength = 32

	// SURBIDLength is the SURB identifier length in bytes.
	SURBIDLength = 16

	// DefaultNrHops is the default number of hops a packet will traverse,
	// including the destination gateway.
	DefaultNrHops = 4
)
