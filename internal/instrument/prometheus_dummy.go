//go:build !prometheus

// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import "gopkg.in/op/go-logging.v1"

// Init instrumentation
func Init() {}

// StartPrometheusListener does nothing
func StartPrometheusListener(addr string, log *logging.Logger) {
	log.Warningf("Metrics address %s is set, but prometheus support is not built in", addr)
}

// PacketSent increments the counter of sent packets of a kind
func PacketSent(kind string) {}

// Retransmission increments the retransmission counter
func Retransmission() {}

// DeliveryFailed increments the delivery failure counter
func DeliveryFailed(reason string) {}

// MessageDelivered increments the delivered message counter
func MessageDelivered() {}

// AckReceived increments the ack counter
func AckReceived() {}

// FragmentReceived increments the received fragment counter
func FragmentReceived() {}

// MessageReceived increments the reassembled message counter
func MessageReceived() {}

// PacketDropped increments the dropped packet counter
func PacketDropped(reason string) {}

// LoopReturned increments the returned loop counter
func LoopReturned() {}

// LoopsLost adds n to the lost loop counter
func LoopsLost(n int) {}

// TransportFailure increments the transport failure counter
func TransportFailure() {}

// EgressQueueSize observes the size of the egress queue
func EgressQueueSize(size int) {}
