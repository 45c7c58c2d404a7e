// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package pki_test

import (
	"errors"
	"testing"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/internal/simnet"
)

func TestDocumentSerialize(t *testing.T) {
	topo, err := simnet.New(x25519.Scheme(rand.Reader), simnet.DefaultParams())
	require.NoError(t, err)

	b, err := topo.Document.Serialize()
	require.NoError(t, err)

	doc, err := pki.ParseDocument(b)
	require.NoError(t, err)
	require.Equal(t, topo.Document.Mu, doc.Mu)
	require.Equal(t, topo.Document.LambdaLMaxDelay, doc.LambdaLMaxDelay)
	require.Len(t, doc.Topology, 3)
	require.Len(t, doc.GatewayNodes, 2)

	gw := topo.Document.GatewayNodes[1]
	id := gw.IDHash()
	found, err := doc.GetGatewayByKeyHash(&id)
	require.NoError(t, err)
	require.Equal(t, gw.Name, found.Name)

	mix := topo.Document.Topology[2][0]
	id = mix.IDHash()
	found, err = doc.GetNodeByKeyHash(&id)
	require.NoError(t, err)
	require.Equal(t, mix.MixKey, found.MixKey)

	_, err = doc.GetGateway("nope")
	require.ErrorIs(t, err, pki.ErrNoSuchNode)

	_, err = pki.ParseDocument([]byte{0xff, 0x00})
	require.ErrorIs(t, err, pki.ErrInvalidDocument)
}

func TestDocumentValidate(t *testing.T) {
	topo, err := simnet.New(x25519.Scheme(rand.Reader), simnet.DefaultParams())
	require.NoError(t, err)
	doc := topo.Document
	require.NoError(t, doc.Validate())

	doc.Topology[1] = append(doc.Topology[1], doc.Topology[0][0])
	require.ErrorIs(t, doc.Validate(), pki.ErrInvalidDocument)
	doc.Topology[1] = doc.Topology[1][:len(doc.Topology[1])-1]

	doc.LambdaD = -1
	require.ErrorIs(t, doc.Validate(), pki.ErrInvalidDocument)
	doc.LambdaD = 0

	doc.GatewayNodes[0].IsGatewayNode = false
	require.ErrorIs(t, doc.Validate(), pki.ErrInvalidDocument)
}

func TestSelectRoute(t *testing.T) {
	topo, err := simnet.New(x25519.Scheme(rand.Reader), simnet.DefaultParams())
	require.NoError(t, err)
	s := pki.NewSelector(topo.Document)

	for i := 0; i < 20; i++ {
		route, err := s.SelectRoute(3)
		require.NoError(t, err)
		require.Len(t, route, 3)
		for l, n := range route {
			require.Contains(t, topo.Document.Topology[l], n)
		}
	}

	_, err = s.SelectRoute(4)
	var topoErr *pki.InsufficientTopologyError
	require.True(t, errors.As(err, &topoErr))
	require.Equal(t, 4, topoErr.Wanted)
	require.Equal(t, -1, topoErr.EmptyLayer)

	doc := *topo.Document
	doc.Topology = [][]*pki.MixDescriptor{topo.Document.Topology[0], nil}
	s.SetDocument(&doc)
	_, err = s.SelectRoute(2)
	require.True(t, errors.As(err, &topoErr))
	require.Equal(t, 1, topoErr.EmptyLayer)

	gw, err := s.RandomGateway()
	require.NoError(t, err)
	require.True(t, gw.IsGatewayNode)

	s.SetDocument(nil)
	_, err = s.SelectRoute(1)
	require.True(t, errors.As(err, &topoErr))
	_, err = s.RandomGateway()
	require.ErrorIs(t, err, pki.ErrNoSuchNode)
}

func TestSelectorExp(t *testing.T) {
	s := pki.NewSelector(nil)
	for i := 0; i < 100; i++ {
		require.LessOrEqual(t, s.Exp(0.001, 50), uint64(50))
	}
}
