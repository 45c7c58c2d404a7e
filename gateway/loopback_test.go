// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/sphinx/path"
	"github.com/katzenpost/mixclient/internal/simnet"
)

type loopbackFixture struct {
	sphinx   *sphinx.Sphinx
	topo     *simnet.Topology
	selector *pki.Selector
	network  *Loopback
}

func newLoopbackFixture(t *testing.T) *loopbackFixture {
	scheme := x25519.Scheme(rand.Reader)
	topo, err := simnet.New(scheme, simnet.DefaultParams())
	require.NoError(t, err)
	s := sphinx.NewSphinx(scheme, sphinx.GeometryFromForwardPayloadLength(scheme, 512, 4))
	l := NewLoopback(logging.MustGetLogger("loopback_test"), s, topo.Keys)
	t.Cleanup(l.Halt)
	return &loopbackFixture{
		sphinx:   s,
		topo:     topo,
		selector: pki.NewSelector(topo.Document),
		network:  l,
	}
}

func (f *loopbackFixture) packet(t *testing.T, gateway *pki.MixDescriptor, recipient *[sConstants.RecipientIDLength]byte, surbID *[sConstants.SURBIDLength]byte, payload []byte) ([sConstants.NodeIDLength]byte, []byte) {
	route, err := f.selector.SelectRoute(3)
	require.NoError(t, err)
	p, _, err := path.New(f.selector, f.sphinx.Scheme(), f.topo.Document, route, gateway, recipient, surbID)
	require.NoError(t, err)
	if surbID != nil {
		surb, _, err := f.sphinx.NewSURB(rand.Reader, p)
		require.NoError(t, err)
		pkt, firstHop, err := f.sphinx.NewPacketFromSURB(surb, payload)
		require.NoError(t, err)
		return *firstHop, pkt
	}
	pkt, err := f.sphinx.NewPacket(rand.Reader, p, payload)
	require.NoError(t, err)
	return p[0].ID, pkt
}

func recv(t *testing.T, tr Transport) *Delivery {
	select {
	case d := <-tr.Receive():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return nil
	}
}

func TestLoopbackForward(t *testing.T) {
	f := newLoopbackFixture(t)
	gw := f.topo.Document.GatewayNodes[0]
	gwID := gw.IDHash()

	var alice, bob [sConstants.RecipientIDLength]byte
	copy(alice[:], "alice")
	copy(bob[:], "bob")
	aliceTr := f.network.Connect(&gwID, &alice)
	bobTr := f.network.Connect(&gwID, &bob)
	defer aliceTr.Close()
	defer bobTr.Close()

	payload := make([]byte, 512)
	copy(payload, "hello bob")
	firstHop, pkt := f.packet(t, gw, &bob, nil, payload)
	require.NoError(t, aliceTr.Send(context.Background(), &firstHop, pkt))

	d := recv(t, bobTr)
	require.Nil(t, d.SURBID)
	require.Equal(t, payload, d.Payload)
	require.Empty(t, aliceTr.Receive())
}

func TestLoopbackSURBReply(t *testing.T) {
	f := newLoopbackFixture(t)
	gw := f.topo.Document.GatewayNodes[1]
	gwID := gw.IDHash()

	var alice [sConstants.RecipientIDLength]byte
	copy(alice[:], "alice")
	tr := f.network.Connect(&gwID, &alice)
	defer tr.Close()

	var surbID [sConstants.SURBIDLength]byte
	copy(surbID[:], "surb")
	firstHop, pkt := f.packet(t, gw, &alice, &surbID, []byte("ack"))
	require.NoError(t, tr.Send(context.Background(), &firstHop, pkt))

	d := recv(t, tr)
	require.NotNil(t, d.SURBID)
	require.Equal(t, surbID, *d.SURBID)
	require.Len(t, d.Payload, f.sphinx.Geometry().PayloadTagLength+f.sphinx.Geometry().ForwardPayloadLength)
}

func TestLoopbackLoss(t *testing.T) {
	f := newLoopbackFixture(t)
	gw := f.topo.Document.GatewayNodes[0]
	gwID := gw.IDHash()

	var alice [sConstants.RecipientIDLength]byte
	copy(alice[:], "alice")
	tr := f.network.Connect(&gwID, &alice)

	dropped := 0
	f.network.SetDropFunc(func(d *Delivery) bool {
		dropped++
		return dropped == 1
	})

	first := make([]byte, 512)
	copy(first, "first")
	second := make([]byte, 512)
	copy(second, "second")
	for _, payload := range [][]byte{first, second} {
		firstHop, pkt := f.packet(t, gw, &alice, nil, payload)
		require.NoError(t, tr.Send(context.Background(), &firstHop, pkt))
	}
	require.Equal(t, second, recv(t, tr).Payload)

	// Unknown first hops and closed transports.
	var bogus [sConstants.NodeIDLength]byte
	require.NoError(t, tr.Send(context.Background(), &bogus, make([]byte, 16)))
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Send(context.Background(), &bogus, nil), ErrClosed)
}
