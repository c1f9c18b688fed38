package channel_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/channel"
	"github.com/csiro-workspace/workspace-go/internal/simengine"
	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

func startServer(t *testing.T) *channel.Server {
	t.Helper()
	srv, err := channel.NewServer(0, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// connectEngine launches a simulated engine against the server and completes
// the handshake from the supervisor side.
func connectEngine(t *testing.T, srv *channel.Server) supervisor.ID {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())
	go func() {
		// The engine exits with an error when the test tears the server
		// down underneath it; that is expected.
		_ = simengine.New("product.wsx", nil).Run(addr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := srv.ListenAndWait(ctx)
	if err != nil {
		t.Fatalf("ListenAndWait: %v", err)
	}
	return id
}

// awaitEvent polls the server until an event of the wanted kind arrives.
func awaitEvent(t *testing.T, srv *channel.Server, kind string) supervisor.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range srv.Poll(50 * time.Millisecond) {
			if ev.Kind == kind {
				return ev
			}
		}
	}
	t.Fatalf("no %q event within deadline", kind)
	return supervisor.Event{}
}

func TestHandshakeAssignsSequentialKeys(t *testing.T) {
	srv := startServer(t)

	first := connectEngine(t, srv)
	second := connectEngine(t, srv)

	if first.Key != 1 || second.Key != 2 {
		t.Errorf("keys = %d, %d; want 1, 2", first.Key, second.Key)
	}
	if first.Host != "127.0.0.1" {
		t.Errorf("host = %q", first.Host)
	}
}

func TestListenAndWaitTimesOut(t *testing.T) {
	srv := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := srv.ListenAndWait(ctx); err == nil {
		t.Fatal("expected timeout error with no engine connecting")
	}
}

func TestRunOnceEmitsSuccess(t *testing.T) {
	srv := startServer(t)
	id := connectEngine(t, srv)

	if err := srv.RunOnce(id.Key); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	ev := awaitEvent(t, srv, supervisor.EventSuccess)
	if ev.Key != id.Key {
		t.Errorf("event key = %d, want %d", ev.Key, id.Key)
	}
}

func TestSetInputUnknownNameEmitsError(t *testing.T) {
	srv := startServer(t)
	id := connectEngine(t, srv)

	if err := srv.SetInput(id.Key, "Bogus", "1"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	ev := awaitEvent(t, srv, supervisor.EventError)
	if ev.Item != "Bogus" {
		t.Errorf("error item = %q, want Bogus", ev.Item)
	}
}

func TestListRepliesWithCategory(t *testing.T) {
	srv := startServer(t)
	id := connectEngine(t, srv)

	if err := srv.List(id.Key, supervisor.CategoryInputs); err != nil {
		t.Fatalf("List: %v", err)
	}
	ev := awaitEvent(t, srv, supervisor.EventList)
	if ev.Category != supervisor.CategoryInputs {
		t.Errorf("category = %q, want %q", ev.Category, supervisor.CategoryInputs)
	}

	wl, err := supervisor.ParseWatchList(ev.Payload)
	if err != nil {
		t.Fatalf("parse list payload: %v", err)
	}
	if _, ok := wl.Inputs["Value1"]; !ok {
		t.Error("list reply missing input Value1")
	}
	if _, ok := wl.Inputs["Value2"]; !ok {
		t.Error("list reply missing input Value2")
	}
}

func TestWatchDeliversResolvedValues(t *testing.T) {
	srv := startServer(t)
	id := connectEngine(t, srv)

	if err := srv.SetInput(id.Key, "Value1", "6"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := srv.SetInput(id.Key, "Value2", "7"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}

	wl := supervisor.NewWatchList(nil, []string{"Result"}, nil)
	if err := srv.Watch(id.Key, wl, true); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := srv.RunOnce(id.Key); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	ev := awaitEvent(t, srv, supervisor.EventWatch)
	got, err := supervisor.ParseWatchList(ev.Payload)
	if err != nil {
		t.Fatalf("parse watch payload: %v", err)
	}
	if got.ID != wl.ID {
		t.Errorf("watch id = %q, want %q", got.ID, wl.ID)
	}
	if n, ok := got.Outputs["Result"].Number(); !ok || n != 42 {
		t.Errorf("Result = %v, %v; want 42, true", n, ok)
	}
}

func TestReleaseDisconnectsEngine(t *testing.T) {
	srv := startServer(t)
	id := connectEngine(t, srv)

	srv.Release(id.Key)

	if err := srv.RunOnce(id.Key); err == nil {
		t.Error("RunOnce after release did not fail")
	}
}
