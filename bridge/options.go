// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import "time"

// Default values.
const (
	DefaultTopic           = "RAMSES/GATEWAY/#"
	DefaultConnectTimeout  = 60 * time.Second
	DefaultReconnectMin    = 1 * time.Second
	DefaultReconnectMax    = 30 * time.Second
	DefaultReconnectJitter = 0.2
	DefaultMessageChanSize = 256
)

// Options configures the bridge state machine.
type Options struct {
	Topic          string        // Topic filter covering the device namespace
	QoS            byte          // Subscription QoS
	ConnectTimeout time.Duration // Bound on connect + subscribe handshake

	// Reconnection. Attempts are unbounded; the delay doubles from
	// ReconnectMin up to ReconnectMax and resets once subscribed.
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64 // Fraction of the delay randomised in both directions

	MessageChanSize int // Inbound queue between transport and consumer

	// Callbacks
	OnStateChange  func(from, to State) // Called on every state transition
	OnReconnecting func(attempt int)    // Called before each reconnect attempt
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Topic:           DefaultTopic,
		ConnectTimeout:  DefaultConnectTimeout,
		ReconnectMin:    DefaultReconnectMin,
		ReconnectMax:    DefaultReconnectMax,
		ReconnectJitter: DefaultReconnectJitter,
		MessageChanSize: DefaultMessageChanSize,
	}
}

// SetTopic sets the subscription filter.
func (o *Options) SetTopic(topic string, qos byte) *Options {
	o.Topic = topic
	o.QoS = qos
	return o
}

// SetConnectTimeout sets the handshake timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetReconnect sets the reconnect delay bounds.
func (o *Options) SetReconnect(min, max time.Duration) *Options {
	o.ReconnectMin = min
	o.ReconnectMax = max
	return o
}

// SetOnStateChange sets the state transition callback.
func (o *Options) SetOnStateChange(fn func(from, to State)) *Options {
	o.OnStateChange = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.Topic == "" {
		return ErrEmptyTopic
	}
	if o.QoS > 2 {
		return ErrInvalidQoS
	}
	if o.ConnectTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if o.ReconnectMin <= 0 || o.ReconnectMax < o.ReconnectMin {
		return ErrInvalidInterval
	}
	if o.ReconnectJitter < 0 || o.ReconnectJitter >= 1 {
		o.ReconnectJitter = DefaultReconnectJitter
	}
	if o.MessageChanSize <= 0 {
		o.MessageChanSize = DefaultMessageChanSize
	}
	return nil
}
