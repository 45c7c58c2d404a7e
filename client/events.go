// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"

	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/fragment"
)

// Event is an observable client event.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// MessageDeliveredEvent is the event sent when every fragment of a message
// was acknowledged.
type MessageDeliveredEvent struct {
	MessageID arq.MessageID
}

// String returns a string representation of the MessageDeliveredEvent.
func (e *MessageDeliveredEvent) String() string {
	return fmt.Sprintf("MessageDelivered: %s", e.MessageID)
}

// DeliveryFailedEvent is the event sent when a message will not be
// delivered.
type DeliveryFailedEvent struct {
	Err *DeliveryFailedError
}

// String returns a string representation of the DeliveryFailedEvent.
func (e *DeliveryFailedEvent) String() string {
	return fmt.Sprintf("DeliveryFailed: %s %v", e.Err.MessageID, e.Err.Reason)
}

// MessageReceivedEvent is the event sent when an inbound message was
// reassembled.
type MessageReceivedEvent struct {
	ID     fragment.SetID
	Length int
}

// String returns a string representation of the MessageReceivedEvent.
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: %s (%d bytes)", e.ID, e.Length)
}

// LoopLostEvent is the event sent when loop decoys failed to return in
// time.
type LoopLostEvent struct {
	Count int
}

// String returns a string representation of the LoopLostEvent.
func (e *LoopLostEvent) String() string {
	return fmt.Sprintf("LoopLost: %d", e.Count)
}

// TransportFailedEvent is the event sent when the gateway transport
// failed too many times in a row.
type TransportFailedEvent struct {
	Failures int
	Err      error
}

// String returns a string representation of the TransportFailedEvent.
func (e *TransportFailedEvent) String() string {
	return fmt.Sprintf("TransportFailed: %d consecutive failures: %v", e.Failures, e.Err)
}
