// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import "context"

// Handler receives raw inbound publications. Implementations of Transport
// call it sequentially, in the order messages arrive from the broker.
type Handler func(topic string, payload []byte)

// Transport is a single broker connection. It never reconnects on its own;
// the Bridge drives every attempt.
type Transport interface {
	// Connect performs the connect handshake, honouring ctx for cancellation
	// and deadline.
	Connect(ctx context.Context) error
	// Subscribe registers filter and waits for the broker's acknowledgment.
	Subscribe(ctx context.Context, filter string, qos byte, h Handler) error
	// Lost returns a channel that receives once when the current connection drops.
	// It is valid after a successful Connect.
	Lost() <-chan error
	// Disconnect closes the current connection, if any.
	Disconnect()
}
