package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a device must stay quiet before its latest
// reading is released downstream.
const DefaultQuietPeriod = 200 * time.Millisecond

// Timer is the cancellable handle returned by a TimerFunc.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules fn after d. Injectable so tests run without real
// delays.
type TimerFunc func(d time.Duration, fn func()) Timer

func realTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type pendingTimer struct {
	timer Timer
	gen   uint64
}

// Debouncer coalesces bursts of per-key work: each Schedule cancels the
// key's previous pending timer, so only the most recent callback fires once
// the quiet period elapses.
type Debouncer struct {
	quiet    time.Duration
	newTimer TimerFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingTimer
	nextGen uint64
}

// NewDebouncer creates a debouncer with the given quiet period. A zero
// quiet period selects DefaultQuietPeriod; a nil timerFn selects
// time.AfterFunc.
func NewDebouncer(quiet time.Duration, timerFn TimerFunc, logger *slog.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if timerFn == nil {
		timerFn = realTimer
	}
	return &Debouncer{
		quiet:    quiet,
		newTimer: timerFn,
		logger:   logger.With("component", "debounce"),
		pending:  make(map[string]*pendingTimer),
	}
}

// Schedule arranges for fire to run after the quiet period, superseding any
// pending timer for the same key. A superseded callback never runs, even if
// its timer already expired concurrently. Reports whether a pending timer
// was superseded.
func (d *Debouncer) Schedule(key string, fire func()) bool {
	d.mu.Lock()
	d.nextGen++
	gen := d.nextGen
	prev, superseded := d.pending[key]
	if superseded {
		prev.timer.Stop()
	}
	entry := &pendingTimer{gen: gen}
	entry.timer = d.newTimer(d.quiet, func() {
		// The callback removes its own entry so the next reading starts a
		// fresh cycle. The generation check disarms callbacks that lost a
		// race with Stop.
		d.mu.Lock()
		cur, ok := d.pending[key]
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		fire()
	})
	d.pending[key] = entry
	d.mu.Unlock()
	return superseded
}

// Cancel drops the pending timer for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[key]; ok {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels every pending timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending returns the number of keys with an armed timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
