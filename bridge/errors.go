// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import "errors"

// Bridge errors.
var (
	// Configuration errors.
	ErrNoBroker        = errors.New("broker URL cannot be empty")
	ErrEmptyTopic      = errors.New("topic filter cannot be empty")
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidInterval = errors.New("reconnect intervals must be positive and min <= max")
	ErrInvalidTimeout  = errors.New("connect timeout must be positive")

	// Connection errors.
	ErrConnect        = errors.New("broker connection failed")
	ErrConnectTimeout = errors.New("broker connection timeout")
	ErrSubscribe      = errors.New("subscription failed")
	ErrConnectionLost = errors.New("connection lost")
	ErrAlreadyRunning = errors.New("bridge already running")

	// Processing errors.
	ErrDecode = errors.New("malformed payload")
)
