// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/gateway"
)

var errGatewayDown = errors.New("gateway down")

type fakeTransport struct {
	sync.Mutex

	fail  bool
	sent  [][]byte
	recvC chan *gateway.Delivery
}

func (f *fakeTransport) Send(ctx context.Context, firstHop *[32]byte, pkt []byte) error {
	f.Lock()
	defer f.Unlock()
	if f.fail {
		return errGatewayDown
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeTransport) Receive() <-chan *gateway.Delivery {
	return f.recvC
}

func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) setFail(fail bool) {
	f.Lock()
	defer f.Unlock()
	f.fail = fail
}

func (f *fakeTransport) sentLen() int {
	f.Lock()
	defer f.Unlock()
	return len(f.sent)
}

func TestMixTraffic(t *testing.T) {
	transport := &fakeTransport{recvC: make(chan *gateway.Delivery)}
	in := make(chan *OutboundPacket)
	m := newMixTraffic(logging.MustGetLogger("mixtraffic"), transport, in, 4, 3)

	var (
		failed  []int
		lastErr error
	)
	done := make(chan struct{})
	m.onTransportFailed = func(failures int, err error) {
		failed = append(failed, failures)
		lastErr = err
		close(done)
	}
	m.start()
	defer m.Halt()

	for i := 0; i < 5; i++ {
		in <- &OutboundPacket{Packet: []byte{byte(i)}, kind: kindData}
	}
	require.Eventually(t, func() bool { return transport.sentLen() == 5 }, 5*time.Second, 10*time.Millisecond)

	transport.setFail(true)
	timeout := time.After(5 * time.Second)
failing:
	for {
		select {
		case in <- &OutboundPacket{kind: kindLoop}:
		case <-done:
			break failing
		case <-timeout:
			t.Fatal("transport failure was not reported")
		}
	}

	transport.setFail(false)
	in <- &OutboundPacket{kind: kindDrop}
	require.Eventually(t, func() bool { return transport.sentLen() >= 6 }, 5*time.Second, 10*time.Millisecond)
	m.Halt()

	require.Equal(t, []int{3}, failed)
	require.ErrorIs(t, lastErr, errGatewayDown)
	require.Equal(t, 0, m.failures)
}

func TestMixTrafficReportsDataSent(t *testing.T) {
	transport := &fakeTransport{recvC: make(chan *gateway.Delivery)}
	m := newMixTraffic(logging.MustGetLogger("mixtraffic"), transport, nil, 4, 3)
	var reported [][]byte
	m.onDataSent = func(pkt *OutboundPacket) {
		reported = append(reported, pkt.Packet)
	}

	batch := []*OutboundPacket{
		{Packet: []byte{0}, kind: kindData},
		{Packet: []byte{1}, kind: kindLoop},
		{Packet: []byte{2}, kind: kindAck},
		{Packet: []byte{3}, kind: kindData},
	}
	m.onPackets(batch)
	require.Equal(t, [][]byte{{0}, {3}}, reported)
	require.Equal(t, 4, transport.sentLen())

	// Data packets the gateway refused are reported too, they are as
	// good as lost.
	reported = nil
	transport.setFail(true)
	m.onPackets(batch)
	require.Equal(t, [][]byte{{0}, {3}}, reported)
	require.Equal(t, 4, transport.sentLen())
	require.Equal(t, 1, m.failures)
}
