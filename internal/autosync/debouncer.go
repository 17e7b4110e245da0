// Package autosync coalesces bursts of local mutations into a single delayed sync.
package autosync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/syncengine"
	"go.uber.org/zap"
)

// DefaultDelay is the quiet period after the last trigger before a sync runs.
const DefaultDelay = 5 * time.Second

var errMissingSyncer = errors.New("autosync: syncer is required")

// Syncer runs a full sync pass.
type Syncer interface {
	SyncAll(ctx context.Context) syncengine.SyncResult
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the wall clock.
type SystemScheduler struct{}

// AfterFunc wraps time.AfterFunc.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Status tracks connectivity. The zero value is offline.
type Status struct {
	online atomic.Bool
}

// NewStatus returns a Status with the given initial connectivity.
func NewStatus(online bool) *Status {
	status := &Status{}
	status.online.Store(online)
	return status
}

// SetOnline records a connectivity change.
func (s *Status) SetOnline(online bool) {
	s.online.Store(online)
}

// Online reports the last recorded connectivity.
func (s *Status) Online() bool {
	return s.online.Load()
}

// Config wires a Debouncer.
type Config struct {
	Syncer    Syncer
	Scheduler Scheduler
	Status    *Status
	Delay     time.Duration
	Logger    *zap.Logger
	// OnResult, when set, receives the result of every debounced run.
	OnResult func(syncengine.SyncResult)
}

// Debouncer schedules a trailing-edge sync: every Trigger restarts the quiet
// period, so a continuous burst never syncs mid-burst.
type Debouncer struct {
	mu         sync.Mutex
	syncer     Syncer
	scheduler  Scheduler
	status     *Status
	delay      time.Duration
	logger     *zap.Logger
	onResult   func(syncengine.SyncResult)
	timer      Timer
	generation uint64
}

// New validates cfg. A nil Status means always online.
func New(cfg Config) (*Debouncer, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = SystemScheduler{}
	}
	status := cfg.Status
	if status == nil {
		status = NewStatus(true)
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		syncer:    cfg.Syncer,
		scheduler: scheduler,
		status:    status,
		delay:     delay,
		logger:    logger,
		onResult:  cfg.OnResult,
	}, nil
}

// Trigger (re)starts the quiet period. Offline triggers are dropped.
func (d *Debouncer) Trigger() {
	if !d.status.Online() {
		d.logger.Debug("auto-sync skipped while offline")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.timer = d.scheduler.AfterFunc(d.delay, func() {
		d.fire(generation)
	})
	d.logger.Debug("auto-sync scheduled", zap.Duration("delay", d.delay))
}

// Pending reports whether a sync is scheduled but has not started.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush runs a scheduled sync now instead of waiting for its timer. It reports
// false and does nothing when no sync is scheduled.
func (d *Debouncer) Flush(ctx context.Context) (syncengine.SyncResult, bool) {
	d.mu.Lock()
	scheduled := d.timer != nil
	d.mu.Unlock()
	if !scheduled {
		return syncengine.SyncResult{}, false
	}
	d.Stop()
	return d.run(ctx), true
}

// Stop cancels a pending sync without running it.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.run(context.Background())
}

func (d *Debouncer) run(ctx context.Context) syncengine.SyncResult {
	result := d.syncer.SyncAll(ctx)
	if !result.Success {
		d.logger.Warn("auto-sync finished with errors", zap.Int("errors", len(result.Errors)))
	}
	if d.onResult != nil {
		d.onResult(result)
	}
	return result
}
