package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"switchgrid/internal/metrics"
	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

// Sink receives decoded readings from broker connections and is told when a
// device's subscription is torn down.
type Sink interface {
	Ingest(dev store.Device, r *telemetry.Reading)
	Teardown(ownerID, address string)
}

// connection is one live broker client shared by every device registered
// against the same endpoint identity.
type connection struct {
	endpoint Endpoint
	client   Client
	// devices: normalized address -> ownerID -> registration.
	devices map[string]map[string]store.Device
}

// Manager owns the long-lived broker connections, one per distinct
// (URL, credentials) pair referenced by registered devices.
type Manager struct {
	dial    Dialer
	sink    Sink
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection // endpoint key
}

// NewManager creates a manager that feeds decoded readings into sink.
func NewManager(dial Dialer, sink Sink, m *metrics.PipelineMetrics, logger *slog.Logger) *Manager {
	return &Manager{
		dial:    dial,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "broker"),
		conns:   make(map[string]*connection),
	}
}

// EnsureSubscribed guarantees a live connection and results subscription for
// the device's endpoint. Idempotent: repeated calls for the same device, or
// for other devices sharing the endpoint, reuse the existing connection. A
// device missing its URL or address is skipped with a warning; that is
// caller-input validation, not a transport error.
func (m *Manager) EnsureSubscribed(dev store.Device) error {
	if dev.BrokerURL == "" || dev.Address == "" {
		m.logger.Warn("skipping device without broker url or address",
			"owner", dev.OwnerID, "address", dev.Address, "url", dev.BrokerURL)
		return nil
	}
	dev.Address = telemetry.NormalizeAddress(dev.Address)

	ep := Endpoint{URL: dev.BrokerURL, Username: dev.Username, Password: dev.Password}

	m.mu.Lock()
	if conn, ok := m.conns[ep.key()]; ok {
		registerDevice(conn, dev)
		m.mu.Unlock()
		return nil
	}
	conn := &connection{endpoint: ep, devices: make(map[string]map[string]store.Device)}
	registerDevice(conn, dev)
	m.conns[ep.key()] = conn
	m.mu.Unlock()

	client, err := m.dial(ep, func(c Client) {
		if err := c.Subscribe(TopicReadParamsResult, 1, m.handleMessage(ep)); err != nil {
			m.logger.Error("subscribe", "url", ep.URL, "topic", TopicReadParamsResult, "err", err)
		}
	})
	if err != nil {
		// Terminal for this connection; the next discovery pass makes a
		// fresh attempt.
		m.mu.Lock()
		delete(m.conns, ep.key())
		m.mu.Unlock()
		m.logger.Error("broker connect", "url", ep.URL, "err", err)
		return err
	}

	m.mu.Lock()
	conn.client = client
	m.mu.Unlock()
	m.metrics.BrokerConnections.Inc()
	return nil
}

func registerDevice(conn *connection, dev store.Device) {
	owners, ok := conn.devices[dev.Address]
	if !ok {
		owners = make(map[string]store.Device)
		conn.devices[dev.Address] = owners
	}
	owners[dev.OwnerID] = dev
}

// handleMessage returns the inbound handler for one endpoint. Messages that
// fail to parse or carry the wrong response tag are dropped per-message and
// never reach the sink.
func (m *Manager) handleMessage(ep Endpoint) MessageHandler {
	return func(topic string, payload []byte) {
		if topic != TopicReadParamsResult {
			return
		}

		reading, err := telemetry.ParseReading(payload)
		if err != nil {
			reason := "parse"
			if errors.Is(err, telemetry.ErrWrongResponse) {
				reason = "response_tag"
			}
			m.metrics.ReadingsDropped.WithLabelValues(reason).Inc()
			m.logger.Debug("dropped message", "url", ep.URL, "reason", reason, "err", err)
			return
		}

		addr := telemetry.NormalizeAddress(reading.Address)

		m.mu.Lock()
		conn, ok := m.conns[ep.key()]
		if !ok {
			m.mu.Unlock()
			return
		}
		owners := make([]store.Device, 0, len(conn.devices[addr]))
		for _, dev := range conn.devices[addr] {
			owners = append(owners, dev)
		}
		m.mu.Unlock()

		if len(owners) == 0 {
			m.metrics.ReadingsDropped.WithLabelValues("unregistered").Inc()
			return
		}
		for _, dev := range owners {
			m.sink.Ingest(dev, reading)
		}
	}
}

// Teardown removes a device's registration, cancels its pipeline state, and
// closes the endpoint connection once no other device shares it.
func (m *Manager) Teardown(dev store.Device) {
	addr := telemetry.NormalizeAddress(dev.Address)
	ep := Endpoint{URL: dev.BrokerURL, Username: dev.Username, Password: dev.Password}

	m.mu.Lock()
	conn, ok := m.conns[ep.key()]
	var client Client
	if ok {
		if owners, ok := conn.devices[addr]; ok {
			delete(owners, dev.OwnerID)
			if len(owners) == 0 {
				delete(conn.devices, addr)
			}
		}
		if len(conn.devices) == 0 {
			client = conn.client
			delete(m.conns, ep.key())
		}
	}
	m.mu.Unlock()

	m.sink.Teardown(dev.OwnerID, addr)

	if client != nil {
		client.Disconnect()
		m.metrics.BrokerConnections.Dec()
		m.logger.Info("broker connection closed", "url", ep.URL)
	}
}

// Close disconnects every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for key, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.client != nil {
			conn.client.Disconnect()
			m.metrics.BrokerConnections.Dec()
		}
	}
}

// Connections returns the number of live broker connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// RequestReadParams publishes a parameter read request for a device to its
// endpoint.
func (m *Manager) RequestReadParams(ep Endpoint, address string) error {
	return m.publishRequest(ep, TopicReadParamsRequest, map[string]string{
		"device_id": telemetry.NormalizeAddress(address),
	})
}

// RequestDeviceInfo publishes a device info request.
func (m *Manager) RequestDeviceInfo(ep Endpoint, address string) error {
	return m.publishRequest(ep, TopicDeviceInfoRequest, map[string]string{
		"device_id": telemetry.NormalizeAddress(address),
	})
}

// RequestScan publishes a bus scan request.
func (m *Manager) RequestScan(ep Endpoint) error {
	return m.publishRequest(ep, TopicScanRequest, map[string]string{
		"request": "scanDevices",
	})
}

func (m *Manager) publishRequest(ep Endpoint, topic string, body map[string]string) error {
	m.mu.Lock()
	var client Client
	if conn, ok := m.conns[ep.key()]; ok {
		client = conn.client
	}
	m.mu.Unlock()
	if client == nil {
		return errors.New("no connection for endpoint " + ep.URL)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return client.Publish(topic, 1, payload)
}
