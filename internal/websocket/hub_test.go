// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package websocket

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/orchestrator"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("hub did not stop")
		}
	})
	time.Sleep(10 * time.Millisecond)
	return hub, cancel
}

func createTestClient(hub *Hub) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, 256)}
}

func registerClient(hub *Hub, client *Client) {
	hub.Register <- client
	time.Sleep(20 * time.Millisecond)
}

func testIssue() *ledger.Issue {
	return &ledger.Issue{
		ID:       7,
		Issuer:   "login-failure",
		Title:    "Repeated login failures from 203.0.113.9",
		Severity: "high",
		Status:   ledger.StatusNew,
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub.clients == nil || hub.broadcast == nil || hub.Register == nil || hub.Unregister == nil {
		t.Fatal("hub not fully initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("new hub has %d clients", hub.ClientCount())
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub, _ := startHub(t)

	client := createTestClient(hub)
	registerClient(hub, client)
	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.ClientCount())
	}

	hub.Unregister <- client
	time.Sleep(20 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d after unregister, want 0", hub.ClientCount())
	}

	// The hub closes the client's send channel on unregister.
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	default:
		t.Error("send channel not closed")
	}
}

func TestHubBroadcastIssueCreated(t *testing.T) {
	hub, _ := startHub(t)

	first := createTestClient(hub)
	second := createTestClient(hub)
	registerClient(hub, first)
	registerClient(hub, second)

	hub.BroadcastIssueCreated(testIssue())
	time.Sleep(20 * time.Millisecond)

	for _, client := range []*Client{first, second} {
		select {
		case msg := <-client.send:
			if msg.Type != MessageTypeIssueCreated {
				t.Errorf("message type = %s, want %s", msg.Type, MessageTypeIssueCreated)
			}
			issue, ok := msg.Data.(*ledger.Issue)
			if !ok || issue.ID != 7 {
				t.Errorf("message data = %+v", msg.Data)
			}
		default:
			t.Error("client did not receive broadcast")
		}
	}
}

func TestHubBroadcastRunCompleted(t *testing.T) {
	hub, _ := startHub(t)

	client := createTestClient(hub)
	registerClient(hub, client)

	hub.BroadcastRunCompleted(&orchestrator.RunStats{
		Duration: 2 * time.Second,
		Findings: 4,
		Created:  2,
	})
	time.Sleep(20 * time.Millisecond)

	select {
	case msg := <-client.send:
		if msg.Type != MessageTypeRunCompleted {
			t.Fatalf("message type = %s", msg.Type)
		}
		data, ok := msg.Data.(RunCompletedData)
		if !ok || data.Findings != 4 || data.Created != 2 {
			t.Errorf("data = %+v", msg.Data)
		}
	default:
		t.Error("no message received")
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub, _ := startHub(t)

	slow := createTestClient(hub)
	slow.send = make(chan Message) // unbuffered, nothing reading
	registerClient(hub, slow)

	hub.BroadcastIssueCreated(testIssue())
	time.Sleep(20 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("slow client not dropped, clients = %d", hub.ClientCount())
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()
	time.Sleep(10 * time.Millisecond)

	client := createTestClient(hub)
	registerClient(hub, client)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d after shutdown", hub.ClientCount())
	}
}
