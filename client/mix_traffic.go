// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/retry"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
)

const (
	// DefaultMaxBatch is the default number of packets handed to the
	// transport per batch.
	DefaultMaxBatch = 16

	// DefaultMaxFailureCount is the default number of consecutive failed
	// batches after which the gateway is reported dead.
	DefaultMaxFailureCount = 100
)

// mixTraffic hands packets to the gateway transport in batches, and
// tracks consecutive transport failures.
type mixTraffic struct {
	worker.Worker

	log       *logging.Logger
	transport gateway.Transport
	in        <-chan *OutboundPacket

	maxBatch        int
	maxFailureCount int
	failures        int

	onTransportFailed func(failures int, err error)

	// onDataSent is called for every data packet taken off the queue,
	// whether or not the gateway accepted it.
	onDataSent func(*OutboundPacket)
}

func newMixTraffic(log *logging.Logger, transport gateway.Transport, in <-chan *OutboundPacket, maxBatch, maxFailureCount int) *mixTraffic {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if maxFailureCount <= 0 {
		maxFailureCount = DefaultMaxFailureCount
	}
	return &mixTraffic{
		log:             log,
		transport:       transport,
		in:              in,
		maxBatch:        maxBatch,
		maxFailureCount: maxFailureCount,
	}
}

func (m *mixTraffic) start() {
	m.Go(m.worker)
}

func (m *mixTraffic) worker() {
	batch := make([]*OutboundPacket, 0, m.maxBatch)
	for {
		select {
		case <-m.HaltCh():
			m.log.Debugf("Terminating gracefully.")
			return
		case pkt := <-m.in:
			batch = append(batch[:0], pkt)
		}

	drain:
		for len(batch) < m.maxBatch {
			select {
			case pkt := <-m.in:
				batch = append(batch, pkt)
			default:
				break drain
			}
		}
		m.onPackets(batch)
	}
}

// dataSent reports the batch's data packets, the ones that failed to send
// are as good as lost in the network.
func (m *mixTraffic) dataSent(batch []*OutboundPacket) {
	if m.onDataSent == nil {
		return
	}
	for _, pkt := range batch {
		if pkt.kind == kindData {
			m.onDataSent(pkt)
		}
	}
}

func (m *mixTraffic) onPackets(batch []*OutboundPacket) {
	ctx, cancel := m.Context()
	defer cancel()

	defer m.dataSent(batch)

	var err error
	sent := 0
	for _, pkt := range batch {
		if err = m.transport.Send(ctx, &pkt.FirstHop, pkt.Packet); err != nil {
			break
		}
		instrument.PacketSent(kindString(pkt.kind))
		sent++
	}
	if err == nil {
		m.failures = 0
		return
	}
	if m.IsHalted() {
		return
	}

	instrument.TransportFailure()
	m.failures++
	if retry.IsTransientError(err) {
		m.log.Warningf("Failed to send %d of %d packets to the gateway: %v", len(batch)-sent, len(batch), err)
	} else {
		m.log.Errorf("Failed to send %d of %d packets to the gateway: %v", len(batch)-sent, len(batch), err)
	}
	if m.failures == m.maxFailureCount {
		m.log.Errorf("Failed to send to the gateway %d times in a row, assuming it is dead", m.failures)
		if m.onTransportFailed != nil {
			m.onTransportFailed(m.failures, err)
		}
	}
}
