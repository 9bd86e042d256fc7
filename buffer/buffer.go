// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer keeps the most recent broker messages in memory.
package buffer

import (
	"encoding/json"
	"sync"
)

// DefaultCapacity is the number of messages retained by the gateway.
const DefaultCapacity = 50

// Message is a decoded broker payload. The gateway never interprets it.
type Message = json.RawMessage

// Buffer is a fixed-capacity ring of messages. When full, appending
// overwrites the oldest entry.
type Buffer struct {
	mu    sync.RWMutex
	items []Message
	head  int // index of the oldest entry
	size  int
}

// New creates a buffer holding at most capacity messages.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]Message, capacity)}
}

// Append adds msg as the newest entry, evicting the oldest one if needed.
func (b *Buffer) Append(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = msg
		b.size++
		return
	}

	b.items[b.head] = msg
	b.head = (b.head + 1) % capacity
}

// Snapshot returns a copy of the buffered messages, oldest first.
func (b *Buffer) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Message, b.size)
	capacity := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%capacity]
	}
	return out
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}
