// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/router"
)

type fakeBroker struct {
	snap router.Snapshot
	apps message.ApplicationListDocument
}

func (f *fakeBroker) Snapshot() router.Snapshot {
	return f.snap
}

func (f *fakeBroker) ApplicationList() message.ApplicationListDocument {
	return f.apps
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		snap: router.Snapshot{
			Server: "A",
			Applications: []endpoint.Info{
				{Name: "app", Kind: "application", QueueDepth: 3},
			},
			Servers: []endpoint.Info{
				{Name: "B", Kind: "server", Transports: []endpoint.TransportInfo{{ID: 1}}},
				{Name: "C", Kind: "server"},
			},
		},
		apps: message.ApplicationListDocument{
			Applications: []message.ApplicationInfo{{Name: "app", ID: 1, QueueDepth: 3}},
		},
	}
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newFakeBroker(), slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newFakeBroker(), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		broker         Broker
		expectedStatus int
		expected       ReadyResponse
	}{
		{
			name:           "router serving",
			broker:         newFakeBroker(),
			expectedStatus: http.StatusOK,
			expected:       ReadyResponse{Status: "ready", Server: "A", AdjacentServers: 2, ConnectedServers: 1},
		},
		{
			name:           "no router",
			broker:         nil,
			expectedStatus: http.StatusServiceUnavailable,
			expected:       ReadyResponse{Status: "not_ready", Details: "router not initialized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, slog.Default())
			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, response)
			}
		})
	}
}

func TestEndpointsEndpoint(t *testing.T) {
	server := New(Config{}, newFakeBroker(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/endpoints", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var snap router.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if snap.Server != "A" {
		t.Errorf("expected server %q, got %q", "A", snap.Server)
	}
	if len(snap.Applications) != 1 || snap.Applications[0].QueueDepth != 3 {
		t.Errorf("unexpected applications: %+v", snap.Applications)
	}
	if len(snap.Servers) != 2 {
		t.Errorf("expected 2 servers, got %d", len(snap.Servers))
	}
}

func TestApplicationsEndpoint(t *testing.T) {
	server := New(Config{}, newFakeBroker(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/applications", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var doc message.ApplicationListDocument
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(doc.Applications) != 1 || doc.Applications[0].Name != "app" {
		t.Errorf("unexpected applications: %+v", doc.Applications)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, newFakeBroker(), slog.Default())

	for _, path := range []string{"/health", "/ready", "/endpoints", "/applications"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+path, nil)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", ct)
			}
		})
	}
}

func TestListen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newFakeBroker(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
