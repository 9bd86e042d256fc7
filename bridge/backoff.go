// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"math/rand/v2"
	"time"
)

// backoff yields exponentially growing, jittered reconnect delays.
type backoff struct {
	min     time.Duration
	max     time.Duration
	jitter  float64
	current time.Duration
}

func newBackoff(min, max time.Duration, jitter float64) *backoff {
	return &backoff{min: min, max: max, jitter: jitter, current: min}
}

// next returns the delay before the following attempt and advances the sequence.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return applyJitter(d, b.jitter)
}

func (b *backoff) reset() {
	b.current = b.min
}

func applyJitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	offset := time.Duration(rand.N(int64(delta)*2+1)) - delta //nolint:gosec
	return d + offset
}
