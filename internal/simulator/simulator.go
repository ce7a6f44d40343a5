// Package simulator emulates a fleet of modbus switch devices on a broker.
// It answers scan, device info and read-parameter requests, and streams
// periodic parameter readings, which makes a full pipeline testable without
// hardware.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"switchgrid/internal/broker"
	"switchgrid/internal/telemetry"
)

// Config holds simulator settings.
type Config struct {
	Broker    string
	Username  string
	Password  string
	DeviceIDs []string
	Interval  time.Duration
}

// Simulator publishes synthetic readings for a set of device addresses.
type Simulator struct {
	cfg    Config
	dial   broker.Dialer
	logger *slog.Logger
	rand   *rand.Rand

	mu     sync.Mutex
	client broker.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulator. A zero interval selects one second.
func New(dial broker.Dialer, cfg Config, logger *slog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Simulator{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "simulator"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start connects to the broker, subscribes to the request topics, and
// begins the periodic reading stream.
func (s *Simulator) Start() error {
	ep := broker.Endpoint{URL: s.cfg.Broker, Username: s.cfg.Username, Password: s.cfg.Password}

	client, err := s.dial(ep, func(c broker.Client) {
		s.subscribeRequests(c)
	})
	if err != nil {
		return fmt.Errorf("simulator connect: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("simulator started", "devices", len(s.cfg.DeviceIDs), "interval", s.cfg.Interval)
	return nil
}

// Stop halts the reading stream and disconnects.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	client := s.client
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if client != nil {
		client.Disconnect()
	}
	s.logger.Info("simulator stopped")
}

func (s *Simulator) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.cfg.DeviceIDs {
				s.publishReading(id)
			}
		}
	}
}

func (s *Simulator) subscribeRequests(c broker.Client) {
	subs := map[string]broker.MessageHandler{
		broker.TopicScanRequest:       func(string, []byte) { s.publishScanResults() },
		broker.TopicReadParamsRequest: s.handleDeviceRequest(s.publishReading),
		broker.TopicDeviceInfoRequest: s.handleDeviceRequest(s.publishDeviceInfo),
	}
	for topic, handler := range subs {
		if err := c.Subscribe(topic, 1, handler); err != nil {
			s.logger.Error("subscribe", "topic", topic, "err", err)
		}
	}
}

func (s *Simulator) handleDeviceRequest(respond func(id string)) broker.MessageHandler {
	return func(_ string, payload []byte) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid request payload", "err", err)
			return
		}
		respond(telemetry.NormalizeAddress(req.DeviceID))
	}
}

func (s *Simulator) publishScanResults() {
	for _, id := range s.cfg.DeviceIDs {
		s.publish(broker.TopicScanResult, map[string]any{
			"response":   "ScanOnlineDevice",
			"address":    id,
			"online":     true,
			"hw_version": "HW_v1.0",
			"sw_version": "SW_v1.2",
		})
	}
}

func (s *Simulator) publishDeviceInfo(id string) {
	s.publish(broker.TopicDeviceInfoResult, map[string]any{
		"response":      "DeviceInfo",
		"address":       id,
		"part_number":   "PN12345",
		"serial_number": "SN987654321",
		"hw_version":    "HW_v1.0",
		"sw_version":    "SW_v1.2",
	})
}

func (s *Simulator) publishReading(id string) {
	status, message := s.health()
	s.publish(broker.TopicReadParamsResult, map[string]any{
		"response":       telemetry.ResponseReadParameters,
		"address":        id,
		"voltage":        round2(230.5 + s.rand.Float64()),
		"current":        round2(5 + s.rand.Float64()),
		"power_factor":   round2(0.95 + s.rand.Float64()*0.02),
		"active_power":   round2(1000 + s.rand.Float64()*100),
		"reactive_power": round2(100 + s.rand.Float64()*20),
		"apparent_power": round2(1100 + s.rand.Float64()*50),
		"frequency":      50.0,
		"health_status":  status,
		"message":        message,
	})
}

// health picks a weighted-random status: mostly ok, rare caution, rarer
// warning.
func (s *Simulator) health() (string, string) {
	r := s.rand.Float64()
	switch {
	case r < 0.0002:
		return "warning", "High current and/or voltage fluctuation detected"
	case r < 0.0006:
		return "caution", "Minor deviation in voltage or current"
	default:
		return "ok", "Voltage and current within normal range"
	}
}

func (s *Simulator) publish(topic string, body map[string]any) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := client.Publish(topic, 0, payload); err != nil {
		s.logger.Warn("publish", "topic", topic, "err", err)
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Addresses returns the simulated device IDs, normalized.
func (s *Simulator) Addresses() []string {
	out := make([]string, len(s.cfg.DeviceIDs))
	for i, id := range s.cfg.DeviceIDs {
		out[i] = telemetry.NormalizeAddress(strings.TrimSpace(id))
	}
	return out
}
