// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/gateway"
)

func testConfig(t *testing.T, inbox string) *config.Config {
	cfg := &config.Config{
		Sphinx: &config.Sphinx{
			Hops:                 testHops,
			ForwardPayloadLength: testForwardPayloadLength,
		},
		Reliability: &config.Reliability{
			MaxRetransmissions: 8,
			AckRoundTripSlop:   1000,
			Backoff:            "fixed",
			BackoffBase:        1000,
		},
		Gateway: &config.Gateway{Name: "gateway-0"},
		PKI:     &config.PKI{DocumentFile: "unused"},
		Inbox:   &config.Inbox{Path: inbox, Disable: inbox == ""},
		Debug:   &config.Debug{DisableCoverTraffic: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func (f *testFixture) newClient(t *testing.T, cfg *config.Config, identity nike.PublicKey) *Client {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	gw, err := f.topo.Document.GetGateway(cfg.Gateway.Name)
	require.NoError(t, err)
	gwID := gw.IDHash()
	recipient := address.RecipientFromKey(identity)
	transport := f.network.Connect(&gwID, &recipient)

	c, err := New(cfg, logBackend, transport, f.topo.Document, identity, f.clock)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Shutdown)
	return c
}

func (f *testFixture) newIdentity(t *testing.T) nike.PublicKey {
	pub, _, err := f.sphinx.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func waitHandle(t *testing.T, h *DeliveryHandle) error {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

// advanceUntilDone steps the clock until h completes.
func (f *testFixture) advanceUntilDone(t *testing.T, h *DeliveryHandle) error {
	for i := 0; i < 200; i++ {
		select {
		case <-h.Done():
			return h.Err()
		case <-time.After(20 * time.Millisecond):
		}
		f.clock.Advance(5 * time.Second)
	}
	t.Fatal("delivery never completed")
	return nil
}

func receiveMessage(t *testing.T, c *Client) *Message {
	select {
	case m := <-c.Receive():
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func waitEvent[T Event](t *testing.T, c *Client) T {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if ev, ok := e.(T); ok {
				return ev
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestClientDelivery(t *testing.T) {
	f := newTestFixture(t)
	alice := f.newClient(t, testConfig(t, ""), f.newIdentity(t))
	bob := f.newClient(t, testConfig(t, ""), f.newIdentity(t))

	msg := randomPayload(t, 6000)
	h, err := alice.Send(t.Context(), msg, bob.Self())
	require.NoError(t, err)

	m := receiveMessage(t, bob)
	require.Equal(t, msg, m.Payload)
	received := waitEvent[*MessageReceivedEvent](t, bob)
	require.Equal(t, m.ID, received.ID)
	require.Equal(t, len(msg), received.Length)

	require.NoError(t, waitHandle(t, h))
	delivered := waitEvent[*MessageDeliveredEvent](t, alice)
	require.Equal(t, h.ID, delivered.MessageID)

	// Empty messages and messages to self.
	h, err = alice.Send(t.Context(), []byte{}, address.Self())
	require.NoError(t, err)
	require.Empty(t, receiveMessage(t, alice).Payload)
	require.NoError(t, waitHandle(t, h))

	// No delivery to an unknown gateway.
	var unknownGateway [32]byte
	recipient := randomRecipient(t)
	_, err = alice.Send(t.Context(), msg, address.New(&recipient, &unknownGateway))
	require.ErrorIs(t, err, ErrNoRouteAvailable)

	alice.Shutdown()
	_, err = alice.Send(t.Context(), msg, bob.Self())
	require.ErrorIs(t, err, ErrShutdown)
}

func TestClientRetransmission(t *testing.T) {
	f := newTestFixture(t)
	alice := f.newClient(t, testConfig(t, ""), f.newIdentity(t))
	bob := f.newClient(t, testConfig(t, ""), f.newIdentity(t))

	var dropped atomic.Int32
	f.network.SetDropFunc(func(d *gateway.Delivery) bool {
		return d.SURBID == nil && dropped.CompareAndSwap(0, 1)
	})

	h, err := alice.Send(t.Context(), []byte("hello bob"), bob.Self())
	require.NoError(t, err)
	require.NoError(t, f.advanceUntilDone(t, h))
	require.Equal(t, int32(1), dropped.Load())
	require.Equal(t, []byte("hello bob"), receiveMessage(t, bob).Payload)
}

func TestClientRetryCeiling(t *testing.T) {
	f := newTestFixture(t)
	cfg := testConfig(t, "")
	cfg.Reliability.MaxRetransmissions = 2
	alice := f.newClient(t, cfg, f.newIdentity(t))
	bob := f.newClient(t, testConfig(t, ""), f.newIdentity(t))

	f.network.SetDropFunc(func(d *gateway.Delivery) bool {
		return d.SURBID == nil
	})

	h, err := alice.Send(t.Context(), randomPayload(t, 3000), bob.Self())
	require.NoError(t, err)
	err = f.advanceUntilDone(t, h)

	var failed *DeliveryFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, arq.ErrRetryCeiling)
	require.Equal(t, h.ID, failed.MessageID)

	ev := waitEvent[*DeliveryFailedEvent](t, alice)
	require.Equal(t, h.ID, ev.Err.MessageID)
	require.Equal(t, 0, alice.arq.Len())

	// The message fails exactly once.
	f.clock.Advance(time.Minute)
	select {
	case e := <-alice.Events():
		_, isFailure := e.(*DeliveryFailedEvent)
		require.False(t, isFailure)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientAbandon(t *testing.T) {
	f := newTestFixture(t)
	alice := f.newClient(t, testConfig(t, ""), f.newIdentity(t))
	bob := f.newClient(t, testConfig(t, ""), f.newIdentity(t))

	f.network.SetDropFunc(func(*gateway.Delivery) bool {
		return true
	})

	h, err := alice.Send(t.Context(), randomPayload(t, 3000), bob.Self())
	require.NoError(t, err)
	require.NoError(t, h.Err())

	require.NoError(t, alice.Abandon(h.ID))
	err = waitHandle(t, h)
	require.ErrorIs(t, err, ErrAbandoned)
	require.Equal(t, 0, alice.arq.Len())
	require.Equal(t, 0, alice.egress.len())

	require.ErrorIs(t, alice.Abandon(h.ID), arq.ErrUnknownMessage)
	require.ErrorIs(t, alice.Abandon(arq.MessageID{}), arq.ErrUnknownMessage)
}

func TestClientInboxReplay(t *testing.T) {
	f := newTestFixture(t)
	inboxPath := filepath.Join(t.TempDir(), "inbox.db")
	bobIdentity := f.newIdentity(t)

	alice := f.newClient(t, testConfig(t, ""), f.newIdentity(t))
	bob := f.newClient(t, testConfig(t, inboxPath), bobIdentity)

	h, err := alice.Send(t.Context(), []byte("persistent"), bob.Self())
	require.NoError(t, err)
	m := receiveMessage(t, bob)
	require.NoError(t, waitHandle(t, h))
	bob.Shutdown()

	// Messages survive a restart until they are deleted.
	bob = f.newClient(t, testConfig(t, inboxPath), bobIdentity)
	replayed := receiveMessage(t, bob)
	require.Equal(t, m.ID, replayed.ID)
	require.Equal(t, []byte("persistent"), replayed.Payload)
	require.NoError(t, bob.DeleteMessage(m.ID))
	bob.Shutdown()

	inbox, err := OpenInbox(inboxPath)
	require.NoError(t, err)
	defer inbox.Close()
	msgs, err := inbox.List()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClientNew(t *testing.T) {
	f := newTestFixture(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	cfg := testConfig(t, "")
	cfg.Gateway.Name = "no-such-gateway"
	_, err = New(cfg, logBackend, nil, f.topo.Document, f.newIdentity(t), f.clock)
	require.ErrorIs(t, err, pki.ErrNoSuchNode)

	cfg = testConfig(t, "")
	cfg.Sphinx.NIKE = "nope"
	_, err = New(cfg, logBackend, nil, f.topo.Document, f.newIdentity(t), f.clock)
	require.Error(t, err)
}

func TestDeliveryHandle(t *testing.T) {
	h := newDeliveryHandle(arq.MessageID{1})
	require.NoError(t, h.Err())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, h.Wait(ctx), context.Canceled)

	failure := &DeliveryFailedError{MessageID: h.ID, Reason: arq.ErrEvicted}
	h.finish(failure)
	h.finish(nil)
	require.Equal(t, failure, h.Err())
	require.ErrorIs(t, h.Wait(t.Context()), arq.ErrEvicted)

	require.Equal(t, "retry_ceiling", reasonString(arq.ErrRetryCeiling))
	require.Equal(t, "evicted", reasonString(arq.ErrEvicted))
	require.Equal(t, "abandoned", reasonString(ErrAbandoned))
	require.Equal(t, "other", reasonString(ErrShutdown))
}
