// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absmach/ramses-gateway/allowlist"
	"github.com/absmach/ramses-gateway/buffer"
	"github.com/absmach/ramses-gateway/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBackend struct{}

func (failingBackend) Load(context.Context) (map[string]string, error) { return nil, nil }
func (failingBackend) Save(context.Context, map[string]string) error {
	return errors.New("disk full")
}
func (failingBackend) Close() error { return nil }

func newTestAPI(t *testing.T, cfg Config) (*Server, *allowlist.Store, *buffer.Buffer, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "approved_devices.json")
	store := allowlist.New(context.Background(), allowlist.NewFileBackend(path), nil)
	buf := buffer.New(buffer.DefaultCapacity)

	return New(cfg, store, buf, nil, nil), store, buf, path
}

func do(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, statusResponse) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp statusResponse
	if strings.HasPrefix(rec.Body.String(), "{") {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestMessages_Empty(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{})

	rec, _ := do(t, s, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestMessages_Snapshot(t *testing.T) {
	s, _, buf, _ := newTestAPI(t, Config{})

	for i := range 60 {
		buf.Append(buffer.Message(fmt.Sprintf(`{"i":%d}`, i)))
	}

	rec, _ := do(t, s, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, buffer.DefaultCapacity)
	assert.Equal(t, 10, got[0]["i"])
	assert.Equal(t, 59, got[len(got)-1]["i"])
}

func TestApprovedDevices_AddListDelete(t *testing.T) {
	s, store, _, path := newTestAPI(t, Config{})

	rec, resp := do(t, s, http.MethodPost, "/approved_devices", `{"device_id":"01:145038","friendly_name":"Controller"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusResponse{Status: "success"}, resp)

	rec, _ = do(t, s, http.MethodGet, "/approved_devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"01:145038":"Controller"}`, rec.Body.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"01:145038":"Controller"}`, string(data))

	rec, resp = do(t, s, http.MethodDelete, "/approved_devices/01:145038", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", resp.Status)
	assert.Empty(t, store.GetAll())

	rec, _ = do(t, s, http.MethodGet, "/approved_devices", "")
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestApprovedDevices_Get(t *testing.T) {
	s, store, _, _ := newTestAPI(t, Config{})
	require.NoError(t, store.Put(context.Background(), "01:145038", "Controller"))

	rec, _ := do(t, s, http.MethodGet, "/approved_devices/01:145038", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device_id":"01:145038","friendly_name":"Controller"}`, rec.Body.String())

	rec, resp := do(t, s, http.MethodGet, "/approved_devices/18:730", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, statusResponse{Status: "error", Message: "device not found"}, resp)
}

func TestApprovedDevices_WriteRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 0.01, Burst: 2})
	defer limiter.Stop()

	path := filepath.Join(t.TempDir(), "approved_devices.json")
	store := allowlist.New(context.Background(), allowlist.NewFileBackend(path), nil)
	s := New(Config{}, store, buffer.New(0), limiter, nil)

	rec, _ := do(t, s, http.MethodPost, "/approved_devices", `{"device_id":"01:145038","friendly_name":"Controller"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/approved_devices/01:145038", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/approved_devices", `{"device_id":"18:730","friendly_name":"HGI80"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	_, ok := store.Get("18:730")
	assert.False(t, ok)

	// Reads are not limited.
	rec, _ = do(t, s, http.MethodGet, "/approved_devices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovedDevices_AddInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed json", `{"device_id":`},
		{"missing friendly name", `{"device_id":"01:145038"}`},
		{"missing device id", `{"friendly_name":"Controller"}`},
		{"empty fields", `{"device_id":"","friendly_name":""}`},
		{"wrong types", `{"device_id":1,"friendly_name":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _, path := newTestAPI(t, Config{})

			rec, resp := do(t, s, http.MethodPost, "/approved_devices", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, statusResponse{Status: "error", Message: "Invalid data"}, resp)
			assert.Empty(t, store.GetAll())

			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err), "no file must be written")
		})
	}
}

func TestApprovedDevices_DeleteUnknown(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{})

	rec, resp := do(t, s, http.MethodDelete, "/approved_devices/18:730", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, statusResponse{Status: "error", Message: "device not found"}, resp)
}

func TestApprovedDevices_PersistFailure(t *testing.T) {
	store := allowlist.New(context.Background(), failingBackend{}, nil)
	s := New(Config{}, store, buffer.New(0), nil, nil)

	rec, resp := do(t, s, http.MethodPost, "/approved_devices", `{"device_id":"18:730","friendly_name":"HGI80"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", resp.Status)

	rec, _ = do(t, s, http.MethodDelete, "/approved_devices/18:730", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{})

	rec, _ := do(t, s, http.MethodPut, "/approved_devices", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/messages", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{})

	rec, _ := do(t, s, http.MethodGet, "/approved_devices", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodOptions, "/approved_devices/01:145038", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>gateway</html>"), 0o644))

	s, _, _, _ := newTestAPI(t, Config{StaticDir: dir})

	rec, _ := do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway")

	rec, _ = do(t, s, http.MethodGet, "/messages", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStaticDirWithMountedPushPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>gateway</html>"), 0o644))

	s, _, _, _ := newTestAPI(t, Config{StaticDir: dir})
	require.NotPanics(t, func() {
		s.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
	})

	rec, _ := do(t, s, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway")

	rec, _ = do(t, s, http.MethodPut, "/approved_devices", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/messages", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleMountsExtraRoute(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{})
	s.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec, _ := do(t, s, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestListenAndShutdown(t *testing.T) {
	s, _, _, _ := newTestAPI(t, Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
