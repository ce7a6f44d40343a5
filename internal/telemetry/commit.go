package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"switchgrid/internal/metrics"
	"switchgrid/internal/store"
)

// DefaultAlertCooldown is the minimum interval between alert log entries
// for the same device and same abnormal status.
const DefaultAlertCooldown = 5 * time.Minute

// UnknownSwitchName is recorded when the switch name lookup misses.
const UnknownSwitchName = "Unknown Switch"

type cooldownEntry struct {
	status    string // normalized (lowercase)
	timestamp time.Time
}

// CommittedReading is the event payload broadcast after a commit.
type CommittedReading struct {
	OwnerID      string  `json:"owner_id"`
	Address      string  `json:"address"`
	Voltage      float64 `json:"voltage"`
	Current      float64 `json:"current"`
	PowerFactor  float64 `json:"power_factor"`
	ActivePower  float64 `json:"active_power"`
	ReactivePow  float64 `json:"reactive_power"`
	ApparentPow  float64 `json:"apparent_power"`
	Frequency    float64 `json:"frequency"`
	HealthStatus string  `json:"health_status"`
}

// Committer writes reconciled readings onto layout nodes and decides,
// behind a per-device cooldown, whether a health change produces an alert
// log entry. The cooldown cache lives for the life of the process.
type Committer struct {
	store    store.Store
	events   *EventBus
	metrics  *metrics.PipelineMetrics
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu         sync.Mutex
	lastLogged map[string]cooldownEntry // key: ownerID \x00 address
}

// NewCommitter creates a committer. A zero cooldown selects
// DefaultAlertCooldown; a nil clock selects time.Now.
func NewCommitter(s store.Store, events *EventBus, m *metrics.PipelineMetrics, cooldown time.Duration, now func() time.Time, logger *slog.Logger) *Committer {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Committer{
		store:      s,
		events:     events,
		metrics:    m,
		cooldown:   cooldown,
		now:        now,
		logger:     logger.With("component", "commit"),
		lastLogged: make(map[string]cooldownEntry),
	}
}

// Commit persists a reconciled reading and evaluates the alert gate. Store
// errors are logged and swallowed: each commit stands alone and the next
// telemetry cycle naturally retries.
func (c *Committer) Commit(dev store.Device, r *Reading) {
	status := r.HealthStatus
	if status == "" {
		status = HealthOK
	}
	now := c.now()

	updated, err := c.store.UpdateNodes(dev.OwnerID, r.Address, func(n *store.SwitchNode) {
		n.Voltage = r.Voltage
		n.Amperage = r.Current
		n.PowerFactor = r.PowerFactor
		n.ActivePower = r.ActivePower
		n.ReactivePower = r.ReactivePower
		n.ApparentPower = r.ApparentPower
		n.Frequency = r.Frequency
		n.HealthStatus = status
		n.LastUpdated = now
	})
	if err != nil {
		c.logger.Error("update nodes", "owner", dev.OwnerID, "address", r.Address, "err", err)
		c.metrics.CommitErrors.Inc()
	} else {
		c.logger.Debug("nodes updated", "owner", dev.OwnerID, "address", r.Address, "count", updated)
		c.metrics.ReadingsCommitted.Inc()
		c.metrics.NodesUpdated.Add(float64(updated))
		if c.events != nil {
			c.events.Emit(Event{Type: EventReadingCommitted, Data: &CommittedReading{
				OwnerID:      dev.OwnerID,
				Address:      r.Address,
				Voltage:      r.Voltage,
				Current:      r.Current,
				PowerFactor:  r.PowerFactor,
				ActivePower:  r.ActivePower,
				ReactivePow:  r.ReactivePower,
				ApparentPow:  r.ApparentPower,
				Frequency:    r.Frequency,
				HealthStatus: status,
			}})
		}
	}

	// Alerting is independent of the commanded state and of whether the
	// node update succeeded.
	c.evaluateAlert(dev, r, now)
}

func (c *Committer) evaluateAlert(dev store.Device, r *Reading, now time.Time) {
	key := dev.OwnerID + "\x00" + r.Address
	normalized := r.NormalizedStatus()

	if normalized == "ok" {
		// Clear the cache so the next abnormal reading, of any kind, logs
		// immediately.
		c.mu.Lock()
		delete(c.lastLogged, key)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	last, seen := c.lastLogged[key]
	emit := !seen || last.status != normalized || now.Sub(last.timestamp) > c.cooldown
	if emit {
		c.lastLogged[key] = cooldownEntry{status: normalized, timestamp: now}
	}
	c.mu.Unlock()

	if !emit {
		c.metrics.AlertsSuppressed.Inc()
		return
	}

	upper := strings.ToUpper(normalized)
	message := r.Message
	if message == "" {
		message = fmt.Sprintf("Health status is %s", upper)
	}

	entry := &store.AlertEntry{
		Timestamp:    now,
		OwnerID:      dev.OwnerID,
		Message:      message,
		BrokerURL:    dev.BrokerURL,
		Address:      r.Address,
		SwitchName:   c.switchName(dev.OwnerID, r.Address),
		HealthStatus: upper,
	}
	if err := c.store.AppendAlert(entry); err != nil {
		c.logger.Error("append alert", "owner", dev.OwnerID, "address", r.Address, "err", err)
		c.metrics.CommitErrors.Inc()
		return
	}

	c.logger.Info("alert logged", "owner", dev.OwnerID, "address", r.Address, "status", upper)
	c.metrics.AlertsEmitted.WithLabelValues(upper).Inc()
	if c.events != nil {
		c.events.Emit(Event{Type: EventAlertRaised, Data: entry})
	}
}

// switchName is a best-effort display name lookup.
func (c *Committer) switchName(ownerID, address string) string {
	node, err := c.store.FindNode(ownerID, address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("switch name lookup", "owner", ownerID, "address", address, "err", err)
		}
		return UnknownSwitchName
	}
	if node.SwitchName == "" {
		return UnknownSwitchName
	}
	return node.SwitchName
}

// ClearCooldown drops the cooldown entry for a device, used when the device
// is removed from all layouts.
func (c *Committer) ClearCooldown(ownerID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastLogged, ownerID+"\x00"+address)
}
