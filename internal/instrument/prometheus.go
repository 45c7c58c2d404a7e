//go:build prometheus

// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the client's prometheus counters.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_packets_sent_total",
			Help: "Number of packets handed to the gateway",
		},
		[]string{"kind"},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_retransmissions_total",
			Help: "Number of fragment retransmissions",
		},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_delivery_failures_total",
			Help: "Number of messages that failed delivery",
		},
		[]string{"reason"},
	)
	messagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_messages_delivered_total",
			Help: "Number of messages with every fragment acknowledged",
		},
	)
	acksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_acks_received_total",
			Help: "Number of fragment acknowledgements received",
		},
	)
	fragmentsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_fragments_received_total",
			Help: "Number of data fragments received",
		},
	)
	messagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_messages_received_total",
			Help: "Number of messages reassembled",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_packets_dropped_total",
			Help: "Number of inbound packets dropped",
		},
		[]string{"reason"},
	)
	loopsReturned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_loops_returned_total",
			Help: "Number of loop decoys that returned",
		},
	)
	loopsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_loops_lost_total",
			Help: "Number of loop decoys that did not return in time",
		},
	)
	transportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_transport_failures_total",
			Help: "Number of failed gateway sends",
		},
	)
	egressQueueSize = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "mixclient_egress_queue_size",
			Help: "Size of the real traffic egress queue",
		},
	)
)

// Init registers the counters.
func Init() {
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(retransmissions)
	prometheus.MustRegister(deliveryFailures)
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(acksReceived)
	prometheus.MustRegister(fragmentsReceived)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(loopsReturned)
	prometheus.MustRegister(loopsLost)
	prometheus.MustRegister(transportFailures)
	prometheus.MustRegister(egressQueueSize)
}

// StartPrometheusListener exposes the registered metrics on addr.
func StartPrometheusListener(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Prometheus listener on %s failed: %v", addr, err)
		}
	}()
	log.Noticef("Serving metrics on http://%s/metrics", addr)
}

// PacketSent increments the counter of sent packets of a kind.
func PacketSent(kind string) {
	packetsSent.With(prometheus.Labels{"kind": kind}).Inc()
}

// Retransmission increments the retransmission counter.
func Retransmission() {
	retransmissions.Inc()
}

// DeliveryFailed increments the delivery failure counter.
func DeliveryFailed(reason string) {
	deliveryFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// MessageDelivered increments the delivered message counter.
func MessageDelivered() {
	messagesDelivered.Inc()
}

// AckReceived increments the ack counter.
func AckReceived() {
	acksReceived.Inc()
}

// FragmentReceived increments the received fragment counter.
func FragmentReceived() {
	fragmentsReceived.Inc()
}

// MessageReceived increments the reassembled message counter.
func MessageReceived() {
	messagesReceived.Inc()
}

// PacketDropped increments the dropped packet counter.
func PacketDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// LoopReturned increments the returned loop counter.
func LoopReturned() {
	loopsReturned.Inc()
}

// LoopsLost adds n to the lost loop counter.
func LoopsLost(n int) {
	loopsLost.Add(float64(n))
}

// TransportFailure increments the transport failure counter.
func TransportFailure() {
	transportFailures.Inc()
}

// EgressQueueSize observes the size of the egress queue.
func EgressQueueSize(size int) {
	egressQueueSize.Observe(float64(size))
}
