package web

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]string{"type": "test"})
	time.Sleep(10 * time.Millisecond)

	for _, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			if len(msg) == 0 {
				t.Error("client received empty message")
			}
		default:
			t.Error("client did not receive broadcast")
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// First message fills the slow client's buffer, second evicts it.
	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	_, ok := <-client.send
	if ok {
		t.Error("client.send should be closed after hub stop")
	}
}

// Pipeline events emitted on the bus must reach connected clients.
func TestServerBroadcastsPipelineEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := telemetry.NewEventBus(logger)
	srv := NewServer(db, &fakeBroker{}, bus, logger)
	t.Cleanup(srv.Stop)

	client := &wsClient{send: make(chan []byte, 16)}
	srv.wsHub.register <- client
	time.Sleep(10 * time.Millisecond)

	bus.Emit(telemetry.Event{Type: telemetry.EventReadingCommitted, Data: &telemetry.CommittedReading{
		OwnerID: "alice@example.com",
		Address: "63",
		Voltage: 231.4,
	}})

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), telemetry.EventReadingCommitted) {
			t.Errorf("frame = %s, want reading_committed event", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame broadcast for committed reading")
	}
}
