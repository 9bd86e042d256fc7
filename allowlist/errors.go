// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package allowlist

import "errors"

// Allow-list errors.
var (
	ErrInvalidInput = errors.New("device_id and friendly_name are required")
	ErrNotFound     = errors.New("device not found")
	ErrPersist      = errors.New("failed to persist allow-list")
)
