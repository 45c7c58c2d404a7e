// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/retry"
	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/simnet"
)

const (
	testForwardPayloadLength = 2048
	testHops                 = 4
)

type recordingSink struct {
	sync.Mutex
	delivered []arq.MessageID
	failures  []*arq.DeliveryFailure
}

func (s *recordingSink) Delivered(id arq.MessageID) {
	s.Lock()
	defer s.Unlock()
	s.delivered = append(s.delivered, id)
}

func (s *recordingSink) DeliveryFailed(f *arq.DeliveryFailure) {
	s.Lock()
	defer s.Unlock()
	s.failures = append(s.failures, f)
}

type testFixture struct {
	clock    *clockwork.FakeClock
	sphinx   *sphinx.Sphinx
	topo     *simnet.Topology
	selector *pki.Selector
	network  *gateway.Loopback
}

func newTestFixture(t *testing.T) *testFixture {
	scheme := x25519.Scheme(rand.Reader)
	topo, err := simnet.New(scheme, simnet.DefaultParams())
	require.NoError(t, err)
	s := sphinx.NewSphinx(scheme, sphinx.GeometryFromForwardPayloadLength(scheme, testForwardPayloadLength, testHops))
	network := gateway.NewLoopback(logging.MustGetLogger("loopback"), s, topo.Keys)
	t.Cleanup(network.Halt)
	return &testFixture{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		sphinx:   s,
		topo:     topo,
		selector: pki.NewSelector(topo.Document),
		network:  network,
	}
}

type testNode struct {
	self      address.Address
	sink      *recordingSink
	arq       *arq.ARQ
	preparer  *preparer
	receiver  *receiver
	cover     *cover
	egress    *egressQueue
	out       chan *OutboundPacket
	transport *gateway.LoopbackTransport
}

func (f *testFixture) newNode(t *testing.T, name string, cfg preparerConfig) *testNode {
	pub, _, err := f.sphinx.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	recipient := address.RecipientFromKey(pub)
	gwID := f.topo.Document.GatewayNodes[0].IDHash()

	n := &testNode{
		self:   address.New(&recipient, &gwID),
		sink:   new(recordingSink),
		egress: newEgressQueue(),
		out:    make(chan *OutboundPacket, 16),
	}
	n.arq = arq.New(arq.Config{
		MaxRetransmissions: 3,
		RoundTripSlop:      time.Second,
		Backoff:            retry.Policy{Kind: retry.Fixed},
	}, n.sink, f.clock, logging.MustGetLogger(name+"_arq"))

	if cfg.mixHops == 0 {
		cfg.mixHops = testHops - 1
	}
	n.preparer, err = newPreparer(logging.MustGetLogger(name+"_preparer"), f.sphinx, f.selector, n.arq, n.self, cfg)
	require.NoError(t, err)
	n.cover = newCover(logging.MustGetLogger(name+"_cover"), f.clock, f.selector, n.preparer, n.egress, n.out, coverConfig{loopSlop: time.Second})
	n.receiver, err = newReceiver(logging.MustGetLogger(name+"_receiver"), f.clock, f.sphinx, n.arq, fragment.BuffersConfig{
		StaleAfter: time.Minute,
		MaxBuffers: 16,
	}, n.cover)
	require.NoError(t, err)
	n.transport = f.network.Connect(&gwID, &recipient)
	t.Cleanup(func() { n.transport.Close() })
	return n
}

func (n *testNode) send(t *testing.T, pkts ...*OutboundPacket) {
	for _, pkt := range pkts {
		require.NoError(t, n.transport.Send(t.Context(), &pkt.FirstHop, pkt.Packet))
		if pkt.kind == kindData {
			n.arq.Transmitted(&pkt.surbID)
		}
	}
}

func (n *testNode) recv(t *testing.T) *gateway.Delivery {
	select {
	case d := <-n.transport.Receive():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return nil
	}
}

func inbound(d *gateway.Delivery) Inbound {
	if d.SURBID != nil {
		return &ReplyPayload{SURBID: *d.SURBID, Payload: d.Payload}
	}
	return &DataPayload{Payload: d.Payload}
}

func randomRecipient(t *testing.T) [sConstants.RecipientIDLength]byte {
	var r [sConstants.RecipientIDLength]byte
	_, err := rand.Reader.Read(r[:])
	require.NoError(t, err)
	return r
}

func randomPayload(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Reader.Read(b)
	require.NoError(t, err)
	return b
}
