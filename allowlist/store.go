// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package allowlist maintains the durable mapping of approved device
// identifiers to friendly names.
package allowlist

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Mutation operations reported to a Recorder.
const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Recorder observes completed mutations.
type Recorder interface {
	RecordAllowListMutation(ctx context.Context, op string, err error)
}

// Store is the in-memory allow-list backed by a Backend.
//
// Mutations are write-through: the whole mapping is persisted before Put or
// Delete returns. The lock is held across mutate and persist so concurrent
// writers never overwrite each other's document.
type Store struct {
	mu       sync.RWMutex
	devices  map[string]string
	backend  Backend
	recorder Recorder
	logger   *slog.Logger
}

// New creates a store and loads the persisted mapping.
func New(ctx context.Context, backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend: backend,
		logger:  logger,
	}
	s.devices = s.Load(ctx)

	return s
}

// SetRecorder installs a mutation observer. Must be called before the store is shared.
func (s *Store) SetRecorder(r Recorder) {
	s.recorder = r
}

// Load reads the persisted mapping. Missing or corrupt data is treated as an
// empty allow-list and never reported to the caller.
func (s *Store) Load(ctx context.Context) map[string]string {
	devices, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("allowlist_load_failed", slog.String("error", err.Error()))
		return map[string]string{}
	}
	if devices == nil {
		devices = map[string]string{}
	}

	s.logger.Info("allowlist_loaded", slog.Int("devices", len(devices)))
	return devices
}

// GetAll returns a copy of the current mapping.
func (s *Store) GetAll() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.devices)
}

// Get returns the friendly name of deviceID.
func (s *Store) Get(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.devices[deviceID]
	return name, ok
}

// Put adds or renames a device. If persisting fails the in-memory change is
// kept and an error wrapping ErrPersist is returned.
func (s *Store) Put(ctx context.Context, deviceID, friendlyName string) error {
	if deviceID == "" || friendlyName == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[deviceID] = friendlyName
	err := s.persist(ctx)
	s.record(ctx, OpPut, err)
	if err != nil {
		return err
	}

	s.logger.Info("allowlist_device_saved",
		slog.String("device_id", deviceID),
		slog.String("friendly_name", friendlyName))
	return nil
}

// Delete removes a device. Unknown devices yield ErrNotFound.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[deviceID]; !ok {
		return ErrNotFound
	}

	delete(s.devices, deviceID)
	err := s.persist(ctx)
	s.record(ctx, OpDelete, err)
	if err != nil {
		return err
	}

	s.logger.Info("allowlist_device_deleted", slog.String("device_id", deviceID))
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// persist must be called with s.mu held.
func (s *Store) persist(ctx context.Context) error {
	if err := s.backend.Save(ctx, s.devices); err != nil {
		s.logger.Error("allowlist_persist_failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, op string, err error) {
	if s.recorder != nil {
		s.recorder.RecordAllowListMutation(ctx, op, err)
	}
}
