package telemetry

import (
	"errors"
	"log/slog"

	"switchgrid/internal/store"
)

// Reconciler adjusts a raw reading against the device's last commanded
// state before it is considered authoritative.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
}

// NewReconciler creates a reconciler backed by the given store.
func NewReconciler(s store.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		logger: logger.With("component", "reconcile"),
	}
}

// Reconcile looks up the node's commanded state and returns the reading to
// persist. A device commanded off must never show live electrical values,
// even if the physical endpoint is slow to cut power, so every magnitude is
// zeroed; health status and message pass through untouched. The lookup is a
// point-in-time read: a command racing the subsequent write can leave one
// stale cycle, corrected by the next reading.
func (r *Reconciler) Reconcile(ownerID, address string, in *Reading) *Reading {
	out := *in
	out.Address = address

	node, err := r.store.FindNode(ownerID, address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("commanded state lookup failed", "owner", ownerID, "address", address, "err", err)
		}
		// Unknown commanded state: pass the reading through.
		return &out
	}

	if !node.IsOn {
		out.Voltage = 0
		out.Current = 0
		out.PowerFactor = 0
		out.ActivePower = 0
		out.ReactivePower = 0
		out.ApparentPower = 0
		out.Frequency = 0
	}
	return &out
}
