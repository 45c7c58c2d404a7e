// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package simnet generates in-memory mix network topologies with their
// node private keys, for tests and the loopback simulator.
package simnet

import (
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixclient/core/pki"
)

// Params describes a generated topology.
type Params struct {
	Layers        int
	NodesPerLayer int
	Gateways      int

	Mu         float64
	MuMaxDelay uint64

	LambdaP, LambdaL, LambdaD                         float64
	LambdaPMaxDelay, LambdaLMaxDelay, LambdaDMaxDelay uint64
}

// DefaultParams returns a small three layer topology with fast rates.
func DefaultParams() *Params {
	return &Params{
		Layers:          3,
		NodesPerLayer:   2,
		Gateways:        2,
		Mu:              0.05,
		MuMaxDelay:      100,
		LambdaP:         0.01,
		LambdaPMaxDelay: 500,
		LambdaL:         0.005,
		LambdaLMaxDelay: 1000,
		LambdaD:         0.005,
		LambdaDMaxDelay: 1000,
	}
}

// Topology is a generated document plus the mix private keys, keyed by
// node ID.
type Topology struct {
	Document *pki.Document
	Keys     map[[hash.HashSize]byte]nike.PrivateKey
}

func newNode(scheme nike.Scheme, name string, isGateway bool) (*pki.MixDescriptor, nike.PrivateKey, error) {
	identity := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, identity); err != nil {
		return nil, nil, err
	}
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	desc := &pki.MixDescriptor{
		Name:          name,
		IdentityKey:   identity,
		MixKey:        pub.Bytes(),
		Addresses:     map[string][]string{"loopback": {name}},
		IsGatewayNode: isGateway,
	}
	return desc, priv, nil
}

// New generates a topology for the parameters.
func New(scheme nike.Scheme, p *Params) (*Topology, error) {
	t := &Topology{
		Document: &pki.Document{
			Mu:              p.Mu,
			MuMaxDelay:      p.MuMaxDelay,
			LambdaP:         p.LambdaP,
			LambdaPMaxDelay: p.LambdaPMaxDelay,
			LambdaL:         p.LambdaL,
			LambdaLMaxDelay: p.LambdaLMaxDelay,
			LambdaD:         p.LambdaD,
			LambdaDMaxDelay: p.LambdaDMaxDelay,
			Topology:        make([][]*pki.MixDescriptor, p.Layers),
			Version:         pki.DocumentVersion,
		},
		Keys: make(map[[hash.HashSize]byte]nike.PrivateKey),
	}
	for l := 0; l < p.Layers; l++ {
		for i := 0; i < p.NodesPerLayer; i++ {
			desc, priv, err := newNode(scheme, fmt.Sprintf("mix-%d-%d", l, i), false)
			if err != nil {
				return nil, err
			}
			t.Document.Topology[l] = append(t.Document.Topology[l], desc)
			t.Keys[desc.IDHash()] = priv
		}
	}
	for i := 0; i < p.Gateways; i++ {
		desc, priv, err := newNode(scheme, fmt.Sprintf("gateway-%d", i), true)
		if err != nil {
			return nil, err
		}
		t.Document.GatewayNodes = append(t.Document.GatewayNodes, desc)
		t.Keys[desc.IDHash()] = priv
	}
	return t, nil
}
