package rpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServer_Broadcast(t *testing.T) {
	ln := NewMemoryListener()
	srv := NewServer(echoMux(), ServerOptions{})
	go func() { _ = srv.Serve(t.Context(), ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	var received atomic.Int32
	onEvent := func(_ context.Context, _ *Endpoint, method string, _ msgpack.RawMessage) {
		if method == "transfer.progress" {
			received.Add(1)
		}
	}
	for range 3 {
		ep, err := Dial(t.Context(), ln, Options{OnEvent: onEvent})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { _ = ep.Close() })
	}
	waitFor(t, func() bool { return len(srv.Peers()) == 3 })

	if n := srv.Broadcast(t.Context(), "transfer.progress", map[string]any{"progress": 50}); n != 3 {
		t.Errorf("Broadcast reached %d peers, want 3", n)
	}
	waitFor(t, func() bool { return received.Load() == 3 })
}

func TestServer_DetachesClosedPeers(t *testing.T) {
	ln := NewMemoryListener()
	var connected atomic.Int32
	srv := NewServer(echoMux(), ServerOptions{OnConnect: func(*Endpoint) { connected.Add(1) }})
	go func() { _ = srv.Serve(t.Context(), ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	ep, err := Dial(t.Context(), ln, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, func() bool { return len(srv.Peers()) == 1 })
	if connected.Load() != 1 {
		t.Errorf("OnConnect called %d times, want 1", connected.Load())
	}

	_ = ep.Close()
	waitFor(t, func() bool { return len(srv.Peers()) == 0 })
}

func TestServer_ServeReturnsOnCancel(t *testing.T) {
	ln := NewMemoryListener()
	srv := NewServer(NewMux(), ServerOptions{})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_ = srv.Close()
}

func TestServer_CloseDisconnectsPeers(t *testing.T) {
	ln := NewMemoryListener()
	srv := NewServer(echoMux(), ServerOptions{})
	go func() { _ = srv.Serve(t.Context(), ln) }()

	ep, err := Dial(t.Context(), ln, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, func() bool { return len(srv.Peers()) == 1 })

	_ = srv.Close()
	select {
	case <-ep.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client endpoint not closed when server closed")
	}
}
