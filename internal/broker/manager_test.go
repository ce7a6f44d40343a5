package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"switchgrid/internal/metrics"
	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSink captures what the manager forwards downstream.
type recordingSink struct {
	mu       sync.Mutex
	ingested []ingestCall
	torn     []string
}

type ingestCall struct {
	dev     store.Device
	reading *telemetry.Reading
}

func (s *recordingSink) Ingest(dev store.Device, r *telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested = append(s.ingested, ingestCall{dev: dev, reading: r})
}

func (s *recordingSink) Teardown(ownerID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torn = append(s.torn, ownerID+"/"+address)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ingested)
}

func testDev(owner, addr, url string) store.Device {
	return store.Device{OwnerID: owner, Address: addr, BrokerURL: url}
}

func newTestManager() (*Manager, *FakeDialer, *recordingSink) {
	dialer := NewFakeDialer()
	sink := &recordingSink{}
	m := NewManager(dialer.Dial, sink, metrics.NewTestMetrics(), testLogger())
	return m, dialer, sink
}

func readingPayload(t *testing.T, addr string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"response":      telemetry.ResponseReadParameters,
		"address":       addr,
		"voltage":       231.0,
		"health_status": "OK",
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestEnsureSubscribedOpensAndSubscribes(t *testing.T) {
	m, dialer, _ := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "0x63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}

	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})
	if client == nil {
		t.Fatal("no client dialed")
	}
	if !client.Subscribed(TopicReadParamsResult) {
		t.Fatal("results topic not subscribed")
	}
	if m.Connections() != 1 {
		t.Fatalf("connections = %d, want 1", m.Connections())
	}
}

func TestEnsureSubscribedIdempotent(t *testing.T) {
	m, dialer, _ := newTestManager()

	dev := testDev("alice", "63", "mqtt://b:1883")
	for i := 0; i < 3; i++ {
		if err := m.EnsureSubscribed(dev); err != nil {
			t.Fatal(err)
		}
	}

	if dialer.DialCount() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.DialCount())
	}
}

func TestEnsureSubscribedSharesEndpointAcrossDevices(t *testing.T) {
	m, dialer, _ := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureSubscribed(testDev("alice", "64", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}

	if dialer.DialCount() != 1 {
		t.Fatalf("dials = %d, want 1 (shared endpoint)", dialer.DialCount())
	}
}

func TestEnsureSubscribedDistinctCredentialsDistinctConnections(t *testing.T) {
	m, dialer, _ := newTestManager()

	a := testDev("alice", "63", "mqtt://b:1883")
	b := testDev("alice", "64", "mqtt://b:1883")
	b.Username = "user"
	b.Password = "secret"

	if err := m.EnsureSubscribed(a); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureSubscribed(b); err != nil {
		t.Fatal(err)
	}

	if dialer.DialCount() != 2 {
		t.Fatalf("dials = %d, want 2 (different credentials)", dialer.DialCount())
	}
}

func TestEnsureSubscribedRejectsIncompleteDevice(t *testing.T) {
	m, dialer, _ := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "", "mqtt://b:1883")); err != nil {
		t.Fatalf("missing address should not error, got %v", err)
	}
	if err := m.EnsureSubscribed(testDev("alice", "63", "")); err != nil {
		t.Fatalf("missing url should not error, got %v", err)
	}
	if dialer.DialCount() != 0 {
		t.Fatalf("dials = %d, want 0", dialer.DialCount())
	}
}

func TestDialFailureClearsEntryForRetry(t *testing.T) {
	m, dialer, _ := newTestManager()
	dialer.Err = context.DeadlineExceeded

	dev := testDev("alice", "63", "mqtt://b:1883")
	if err := m.EnsureSubscribed(dev); err == nil {
		t.Fatal("expected dial error")
	}
	if m.Connections() != 0 {
		t.Fatalf("connections = %d, want 0 after failed dial", m.Connections())
	}

	// The next discovery pass retries from scratch.
	dialer.Err = nil
	if err := m.EnsureSubscribed(dev); err != nil {
		t.Fatal(err)
	}
	if m.Connections() != 1 {
		t.Fatalf("connections = %d, want 1", m.Connections())
	}
}

func TestInboundReadingForwardedToSink(t *testing.T) {
	m, dialer, sink := newTestManager()

	dev := testDev("alice", "0x63", "mqtt://b:1883")
	if err := m.EnsureSubscribed(dev); err != nil {
		t.Fatal(err)
	}

	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})
	client.Deliver(TopicReadParamsResult, readingPayload(t, "0x63"))

	if sink.count() != 1 {
		t.Fatalf("ingested = %d, want 1", sink.count())
	}
	got := sink.ingested[0]
	if got.dev.OwnerID != "alice" || got.dev.Address != "63" {
		t.Errorf("device = %+v", got.dev)
	}
	if got.reading.Voltage != 231.0 {
		t.Errorf("voltage = %v, want 231.0", got.reading.Voltage)
	}
}

func TestInboundMalformedPayloadDropped(t *testing.T) {
	m, dialer, sink := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}
	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})

	client.Deliver(TopicReadParamsResult, []byte(`{broken`))
	client.Deliver(TopicReadParamsResult, []byte(`{"response":"DeviceInfo","address":"63"}`))

	if sink.count() != 0 {
		t.Fatalf("ingested = %d, want 0 (both messages dropped)", sink.count())
	}

	// A good message afterwards still flows.
	client.Deliver(TopicReadParamsResult, readingPayload(t, "63"))
	if sink.count() != 1 {
		t.Fatalf("ingested = %d, want 1", sink.count())
	}
}

func TestInboundUnregisteredAddressDropped(t *testing.T) {
	m, dialer, sink := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}
	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})
	client.Deliver(TopicReadParamsResult, readingPayload(t, "0x99"))

	if sink.count() != 0 {
		t.Fatalf("ingested = %d, want 0", sink.count())
	}
}

func TestInboundFansOutToAllOwners(t *testing.T) {
	m, dialer, sink := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureSubscribed(testDev("bob", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}

	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})
	client.Deliver(TopicReadParamsResult, readingPayload(t, "63"))

	if sink.count() != 2 {
		t.Fatalf("ingested = %d, want 2 (one per owner)", sink.count())
	}
}

func TestTeardownClosesConnectionWhenLastDeviceLeaves(t *testing.T) {
	m, dialer, sink := newTestManager()

	a := testDev("alice", "63", "mqtt://b:1883")
	b := testDev("alice", "64", "mqtt://b:1883")
	if err := m.EnsureSubscribed(a); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureSubscribed(b); err != nil {
		t.Fatal(err)
	}

	client := dialer.Client(Endpoint{URL: "mqtt://b:1883"})

	m.Teardown(a)
	if client.Disconnected {
		t.Fatal("connection closed while another device still shares it")
	}
	if m.Connections() != 1 {
		t.Fatalf("connections = %d, want 1", m.Connections())
	}

	m.Teardown(b)
	if !client.Disconnected {
		t.Fatal("connection not closed after last device left")
	}
	if m.Connections() != 0 {
		t.Fatalf("connections = %d, want 0", m.Connections())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.torn) != 2 {
		t.Fatalf("teardowns = %d, want 2", len(sink.torn))
	}
}

func TestCloseDisconnectsEverything(t *testing.T) {
	m, dialer, _ := newTestManager()

	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b1:1883")); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureSubscribed(testDev("alice", "64", "mqtt://b2:1883")); err != nil {
		t.Fatal(err)
	}

	m.Close()

	for _, url := range []string{"mqtt://b1:1883", "mqtt://b2:1883"} {
		if c := dialer.Client(Endpoint{URL: url}); !c.Disconnected {
			t.Errorf("client %s not disconnected", url)
		}
	}
	if m.Connections() != 0 {
		t.Fatalf("connections = %d, want 0", m.Connections())
	}
}

func TestRequestPublishing(t *testing.T) {
	m, dialer, _ := newTestManager()

	ep := Endpoint{URL: "mqtt://b:1883"}
	if err := m.EnsureSubscribed(testDev("alice", "63", "mqtt://b:1883")); err != nil {
		t.Fatal(err)
	}

	if err := m.RequestReadParams(ep, "0x63"); err != nil {
		t.Fatal(err)
	}
	if err := m.RequestScan(ep); err != nil {
		t.Fatal(err)
	}
	if err := m.RequestReadParams(Endpoint{URL: "mqtt://other:1883"}, "63"); err == nil {
		t.Fatal("expected error for unknown endpoint")
	}

	client := dialer.Client(ep)
	if len(client.Published) != 2 {
		t.Fatalf("published = %d, want 2", len(client.Published))
	}
	if client.Published[0].Topic != TopicReadParamsRequest {
		t.Errorf("topic = %q", client.Published[0].Topic)
	}
	var body map[string]string
	if err := json.Unmarshal(client.Published[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["device_id"] != "63" {
		t.Errorf("device_id = %q, want normalized 63", body["device_id"])
	}
	if client.Published[1].Topic != TopicScanRequest {
		t.Errorf("topic = %q", client.Published[1].Topic)
	}
}
