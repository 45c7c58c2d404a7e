// pki.go - Mixnet PKI document.
// Copyright (C) 2017  David Stainton, Yawning Angel.
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

// Package pki provides the mix network topology document consumed by the
// client, and route selection over it.
package pki

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
)

// DocumentVersion identifies the document format version.
const DocumentVersion = "v0"

var (
	// ErrNoSuchNode is returned when a node lookup fails.
	ErrNoSuchNode = errors.New("pki: no such node")

	// ErrInvalidDocument is returned when a document fails validation.
	ErrInvalidDocument = errors.New("pki: invalid document")

	ccbor cbor.EncMode
)

// MixDescriptor is a description of a given mix or gateway (node).
type MixDescriptor struct {
	// Name is the human readable (descriptive) node identifier.
	Name string

	// IdentityKey is the node's identity key, the node ID is its hash.
	IdentityKey []byte

	// MixKey is the node's Sphinx NIKE public key.
	MixKey []byte

	// Addresses is the map of transport to address combinations that can
	// be used to reach the node.
	Addresses map[string][]string

	// IsGatewayNode indicates that this node accepts client connections.
	IsGatewayNode bool
}

// IDHash returns the node identifier, the hash of the identity key.
func (d *MixDescriptor) IDHash() [hash.HashSize]byte {
	return hash.Sum256(d.IdentityKey)
}

// UnmarshalMixKey returns the node's Sphinx public key for the scheme.
func (d *MixDescriptor) UnmarshalMixKey(scheme nike.Scheme) (nike.PublicKey, error) {
	return scheme.UnmarshalBinaryPublicKey(d.MixKey)
}

func (d *MixDescriptor) String() string {
	id := d.IDHash()
	return fmt.Sprintf("%s(%x)", d.Name, id[:4])
}

// Document is a PKI document.
type Document struct {
	// Epoch is the epoch for which this Document instance is valid for.
	Epoch uint64

	// Mu is the inverse of the mean of the exponential distribution
	// that the Sphinx packet per-hop mixing delay will be sampled from.
	Mu float64

	// MuMaxDelay is the maximum Sphinx packet per-hop mixing delay in
	// milliseconds.
	MuMaxDelay uint64

	// LambdaP is the inverse of the mean of the exponential distribution
	// that clients will sample to determine the time interval between sending
	// messages from it's FIFO egress queue or loop decoys if the queue
	// is empty.
	LambdaP float64

	// LambdaPMaxDelay is the maximum time interval in milliseconds.
	LambdaPMaxDelay uint64

	// LambdaL is the inverse of the mean of the exponential distribution
	// that clients will sample to determine the time interval between sending
	// decoy loop messages.
	LambdaL float64

	// LambdaLMaxDelay is the maximum time interval in milliseconds.
	LambdaLMaxDelay uint64

	// LambdaD is the inverse of the mean of the exponential distribution
	// that clients will sample to determine the time interval between sending
	// decoy drop messages.
	LambdaD float64

	// LambdaDMaxDelay is the maximum time interval in milliseconds.
	LambdaDMaxDelay uint64

	// Topology is the mix network topology, one slice of nodes per layer.
	Topology [][]*MixDescriptor

	// GatewayNodes is the list of nodes that can allow clients to interact
	// with the mix network.
	GatewayNodes []*MixDescriptor

	// Version uniquely identifies the document format version.
	Version string
}

// document contains fields from Document but not the encoding.BinaryMarshaler methods
type document Document

func (d *Document) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "&{Epoch: %v Mu: %v MuMaxDelay: %v LambdaP: %v LambdaPMaxDelay: %v LambdaL: %v LambdaLMaxDelay: %v LambdaD: %v LambdaDMaxDelay: %v\nTopology:\n",
		d.Epoch, d.Mu, d.MuMaxDelay, d.LambdaP, d.LambdaPMaxDelay, d.LambdaL, d.LambdaLMaxDelay, d.LambdaD, d.LambdaDMaxDelay)
	for l, nodes := range d.Topology {
		fmt.Fprintf(&b, "  [%v]{%v}\n", l, nodes)
	}
	fmt.Fprintf(&b, "GatewayNodes:[]{%v}}\n", d.GatewayNodes)
	return b.String()
}

// GetGateway returns the MixDescriptor for the given gateway Name.
func (d *Document) GetGateway(name string) (*MixDescriptor, error) {
	for _, v := range d.GatewayNodes {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: gateway node '%v' not found", ErrNoSuchNode, name)
}

// GetGatewayByKeyHash returns the gateway with the given node ID.
func (d *Document) GetGatewayByKeyHash(keyhash *[hash.HashSize]byte) (*MixDescriptor, error) {
	for _, v := range d.GatewayNodes {
		if v.IDHash() == *keyhash {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: gateway node %x not found", ErrNoSuchNode, *keyhash)
}

// GetNodeByKeyHash returns the mix or gateway with the given node ID.
func (d *Document) GetNodeByKeyHash(keyhash *[hash.HashSize]byte) (*MixDescriptor, error) {
	if n, err := d.GetGatewayByKeyHash(keyhash); err == nil {
		return n, nil
	}
	for _, nodes := range d.Topology {
		for _, v := range nodes {
			if v.IDHash() == *keyhash {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: node %x not found", ErrNoSuchNode, *keyhash)
}

// Validate checks that the document is well formed.  An empty layer is
// not an error here, route selection reports it instead.
func (d *Document) Validate() error {
	if d.Version != DocumentVersion {
		return fmt.Errorf("%w: version '%v'", ErrInvalidDocument, d.Version)
	}
	if d.Mu < 0 || d.LambdaP < 0 || d.LambdaL < 0 || d.LambdaD < 0 {
		return fmt.Errorf("%w: negative rate parameter", ErrInvalidDocument)
	}
	seen := make(map[[hash.HashSize]byte]bool)
	check := func(n *MixDescriptor) error {
		if n == nil {
			return fmt.Errorf("%w: nil descriptor", ErrInvalidDocument)
		}
		if len(n.IdentityKey) == 0 || len(n.MixKey) == 0 {
			return fmt.Errorf("%w: node '%v' missing keys", ErrInvalidDocument, n.Name)
		}
		id := n.IDHash()
		if seen[id] {
			return fmt.Errorf("%w: duplicate node '%v'", ErrInvalidDocument, n.Name)
		}
		seen[id] = true
		return nil
	}
	for _, nodes := range d.Topology {
		for _, n := range nodes {
			if err := check(n); err != nil {
				return err
			}
		}
	}
	for _, n := range d.GatewayNodes {
		if err := check(n); err != nil {
			return err
		}
		if !n.IsGatewayNode {
			return fmt.Errorf("%w: node '%v' listed as gateway", ErrInvalidDocument, n.Name)
		}
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d *Document) MarshalBinary() ([]byte, error) {
	d.Version = DocumentVersion
	return ccbor.Marshal((*document)(d))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *Document) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, (*document)(d))
}

// Serialize returns the canonical CBOR encoding of the document.
func (d *Document) Serialize() ([]byte, error) {
	return d.MarshalBinary()
}

// ParseDocument decodes and validates a serialized document.
func ParseDocument(b []byte) (*Document, error) {
	d := new(Document)
	if err := d.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
