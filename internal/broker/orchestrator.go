package broker

import (
	"context"
	"fmt"
	"log/slog"

	"switchgrid/internal/store"
)

// Orchestrator walks the store for devices that declare a broker endpoint
// and makes sure each has a live subscription. It runs once at startup and
// again on demand when layouts change in bulk; individual save paths call
// Manager.EnsureSubscribed directly for their new devices.
type Orchestrator struct {
	store   store.Store
	manager *Manager
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given store and manager.
func NewOrchestrator(s store.Store, m *Manager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   s,
		manager: m,
		logger:  logger.With("component", "orchestrator"),
	}
}

// SyncAll discovers every registered device with a broker endpoint and
// ensures its subscription. Devices missing an address or URL are skipped
// with a warning; connect failures are logged per-device and do not stop
// the pass.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	devices, err := o.store.DevicesWithBroker()
	if err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	if len(devices) == 0 {
		o.logger.Warn("no devices with broker endpoints found")
		return nil
	}

	o.logger.Info("discovery pass", "devices", len(devices))
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dev.Address == "" || dev.BrokerURL == "" {
			o.logger.Warn("skipping device without broker url or address",
				"owner", dev.OwnerID, "address", dev.Address)
			continue
		}
		if err := o.manager.EnsureSubscribed(dev); err != nil {
			o.logger.Error("ensure subscribed", "owner", dev.OwnerID,
				"address", dev.Address, "url", dev.BrokerURL, "err", err)
		}
	}
	return nil
}
