package telemetry

import (
	"log/slog"
	"time"

	"switchgrid/internal/metrics"
	"switchgrid/internal/store"
)

// Config holds pipeline tuning knobs.
type Config struct {
	QuietPeriod   time.Duration
	AlertCooldown time.Duration
}

// Pipeline chains debounce, reconciliation and commit for inbound readings.
// One pipeline serves every broker connection in the process; keys are
// normalized device addresses.
type Pipeline struct {
	debouncer  *Debouncer
	reconciler *Reconciler
	committer  *Committer
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
}

// NewPipeline wires the pipeline stages onto the given store and bus.
func NewPipeline(s store.Store, events *EventBus, m *metrics.PipelineMetrics, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		debouncer:  NewDebouncer(cfg.QuietPeriod, nil, logger),
		reconciler: NewReconciler(s, logger),
		committer:  NewCommitter(s, events, m, cfg.AlertCooldown, nil, logger),
		metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}
}

// NewPipelineWithTimer is NewPipeline with an injected timer factory, for
// tests that drive the debounce window by hand.
func NewPipelineWithTimer(s store.Store, events *EventBus, m *metrics.PipelineMetrics, cfg Config, timerFn TimerFunc, logger *slog.Logger) *Pipeline {
	p := NewPipeline(s, events, m, cfg, logger)
	p.debouncer = NewDebouncer(cfg.QuietPeriod, timerFn, logger)
	return p
}

// Ingest accepts a decoded reading for the device's owner. Bursts within the
// quiet period coalesce: only the latest reading is reconciled and
// committed, exactly once per quiet window. The window is scoped per
// (owner, address) so owners sharing a device never suppress each other.
func (p *Pipeline) Ingest(dev store.Device, r *Reading) {
	addr := NormalizeAddress(r.Address)
	if addr == "" {
		addr = dev.Address
	}
	p.metrics.ReadingsReceived.Inc()

	reading := r // each Schedule captures its own reading; newer ones win
	superseded := p.debouncer.Schedule(dev.OwnerID+"\x00"+addr, func() {
		reconciled := p.reconciler.Reconcile(dev.OwnerID, addr, reading)
		p.committer.Commit(dev, reconciled)
	})
	if superseded {
		p.metrics.ReadingsDropped.WithLabelValues("coalesced").Inc()
	}
}

// Teardown drops per-device pipeline state: the pending debounce timer and
// the alert cooldown entry.
func (p *Pipeline) Teardown(ownerID, address string) {
	addr := NormalizeAddress(address)
	p.debouncer.Cancel(ownerID + "\x00" + addr)
	p.committer.ClearCooldown(ownerID, addr)
}

// Stop cancels all pending debounce timers.
func (p *Pipeline) Stop() {
	p.debouncer.Stop()
}
