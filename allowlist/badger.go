// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const devicesKey = "allowlist/devices"

var _ Backend = (*BadgerBackend)(nil)

// BadgerConfig holds BadgerDB configuration.
type BadgerConfig struct {
	Dir string // Directory for BadgerDB data
}

// BadgerBackend keeps the allow-list document under a single BadgerDB key.
type BadgerBackend struct {
	db     *badger.DB
	mu     sync.Mutex
	closed bool
}

// NewBadgerBackend opens (or creates) the database in cfg.Dir.
func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Every mutation must be durable before Put/Delete return.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerBackend{db: db}, nil
}

// Load returns the stored mapping, or an empty one if nothing was saved yet.
func (b *BadgerBackend) Load(ctx context.Context) (map[string]string, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(devicesKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read allow-list: %w", err)
	}

	return decode(data)
}

// Save replaces the stored mapping.
func (b *BadgerBackend) Save(ctx context.Context, devices map[string]string) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal allow-list: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(devicesKey), data)
	})
}

// Close closes the database. It is safe to call more than once.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
