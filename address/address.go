// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package address provides the destination identity used by the client: a
// recipient on a gateway node, or a reference to the local client itself.
package address

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"

	"github.com/katzenpost/mixclient/core/sphinx/constants"
)

const selfString = "self"

var (
	// ErrInvalidAddress is returned when an address string fails to parse.
	ErrInvalidAddress = errors.New("address: invalid address")

	// ErrUnresolvedSelf is returned when a self reference is resolved
	// against another self reference.
	ErrUnresolvedSelf = errors.New("address: self reference can not be resolved to itself")

	encoding = base64.RawURLEncoding
)

// Address is a network destination, or the self reference.
type Address struct {
	// Recipient is the recipient identifier at the gateway.
	Recipient [constants.RecipientIDLength]byte

	// Gateway is the node ID of the gateway the recipient is reachable
	// through.
	Gateway [constants.NodeIDLength]byte

	self bool
}

// New returns a network address.
func New(recipient *[constants.RecipientIDLength]byte, gateway *[constants.NodeIDLength]byte) Address {
	return Address{Recipient: *recipient, Gateway: *gateway}
}

// Self returns the self reference.
func Self() Address {
	return Address{self: true}
}

// IsSelf returns true iff a is the self reference.
func (a Address) IsSelf() bool {
	return a.self
}

// Resolve maps the self reference to self, which must be a network
// address.  Network addresses resolve to themselves.
func (a Address) Resolve(self Address) (Address, error) {
	if !a.self {
		return a, nil
	}
	if self.self {
		return Address{}, ErrUnresolvedSelf
	}
	return self, nil
}

// String returns "<recipient>@<gateway>" in unpadded base64url, or "self".
func (a Address) String() string {
	if a.self {
		return selfString
	}
	return encoding.EncodeToString(a.Recipient[:]) + "@" + encoding.EncodeToString(a.Gateway[:])
}

// Parse inverts String.
func Parse(s string) (Address, error) {
	if s == selfString {
		return Self(), nil
	}
	rcpt, gw, ok := strings.Cut(s, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: missing '@'", ErrInvalidAddress)
	}
	var a Address
	if err := decodeFixed(a.Recipient[:], rcpt); err != nil {
		return Address{}, fmt.Errorf("%w: recipient: %v", ErrInvalidAddress, err)
	}
	if err := decodeFixed(a.Gateway[:], gw); err != nil {
		return Address{}, fmt.Errorf("%w: gateway: %v", ErrInvalidAddress, err)
	}
	return a, nil
}

func decodeFixed(dst []byte, s string) error {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("length %d, expected %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// RecipientFromKey derives a recipient identifier from a NIKE public key.
func RecipientFromKey(pub nike.PublicKey) [constants.RecipientIDLength]byte {
	return hash.Sum256(pub.Bytes())
}
