// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Backend persists the whole allow-list as a single document.
// Save always replaces the previous document.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, devices map[string]string) error
	Close() error
}

var _ Backend = (*FileBackend)(nil)

// FileBackend stores the allow-list as a JSON object in a single file.
// Every save rewrites the file atomically (temp file, fsync, rename).
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads the file. A missing file yields an empty mapping and no error.
func (f *FileBackend) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read allow-list file: %w", err)
	}

	return decode(data)
}

// Save writes devices to the file, replacing its previous content.
func (f *FileBackend) Save(ctx context.Context, devices map[string]string) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal allow-list: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create allow-list directory: %w", err)
		}
	}

	if err := renameio.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write allow-list file: %w", err)
	}
	return nil
}

// Close is a no-op for files.
func (f *FileBackend) Close() error {
	return nil
}

func decode(data []byte) (map[string]string, error) {
	devices := map[string]string{}
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("malformed allow-list document: %w", err)
	}
	// "null" decodes into a nil map.
	if devices == nil {
		devices = map[string]string{}
	}
	return devices, nil
}
