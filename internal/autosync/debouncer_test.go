package autosync

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/syncengine"
)

type fakeTimer struct {
	scheduler *fakeScheduler
	due       time.Time
	f         func()
	stopped   bool
	fired     bool
}

func (t *fakeTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler runs timers when Advance moves virtual time past their deadline.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{scheduler: s, due: s.now.Add(d), f: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*fakeTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired && !timer.due.After(s.now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, timer := range due {
		timer.f()
	}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

type recordingSyncer struct {
	mu    sync.Mutex
	clock func() time.Time
	runs  []time.Time
}

func (s *recordingSyncer) SyncAll(context.Context) syncengine.SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, s.clock())
	return syncengine.SyncResult{Success: true}
}

func newTestDebouncer(t *testing.T, status *Status) (*Debouncer, *fakeScheduler, *recordingSyncer) {
	t.Helper()
	scheduler := &fakeScheduler{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	syncer := &recordingSyncer{clock: scheduler.Now}
	debouncer, err := New(Config{Syncer: syncer, Scheduler: scheduler, Status: status})
	if err != nil {
		t.Fatalf("failed to build debouncer: %v", err)
	}
	return debouncer, scheduler, syncer
}

func TestTriggerBurstCoalescesIntoOneSync(t *testing.T) {
	debouncer, scheduler, syncer := newTestDebouncer(t, nil)
	start := scheduler.Now()

	debouncer.Trigger()
	scheduler.Advance(2 * time.Second)
	debouncer.Trigger()
	scheduler.Advance(2 * time.Second)
	debouncer.Trigger()
	lastTrigger := scheduler.Now()

	scheduler.Advance(4 * time.Second)
	if len(syncer.runs) != 0 {
		t.Fatalf("sync must not run mid-burst, ran at %v", syncer.runs)
	}
	scheduler.Advance(time.Second)
	if len(syncer.runs) != 1 {
		t.Fatalf("expected exactly one sync, got %d", len(syncer.runs))
	}
	if want := lastTrigger.Add(DefaultDelay); !syncer.runs[0].Equal(want) {
		t.Fatalf("expected sync at %s (5s after last trigger), got %s (start %s)", want, syncer.runs[0], start)
	}
	if debouncer.Pending() {
		t.Fatalf("no sync should remain scheduled")
	}

	scheduler.Advance(time.Minute)
	if len(syncer.runs) != 1 {
		t.Fatalf("stale timers must not fire, got %d runs", len(syncer.runs))
	}
}

func TestTriggerOfflineIsNoOp(t *testing.T) {
	status := NewStatus(false)
	debouncer, scheduler, syncer := newTestDebouncer(t, status)

	debouncer.Trigger()
	scheduler.Advance(time.Minute)
	if len(syncer.runs) != 0 || debouncer.Pending() {
		t.Fatalf("offline trigger must be dropped")
	}

	status.SetOnline(true)
	debouncer.Trigger()
	scheduler.Advance(DefaultDelay)
	if len(syncer.runs) != 1 {
		t.Fatalf("expected sync once back online, got %d", len(syncer.runs))
	}
}

func TestFlushRunsNowAndCancelsPending(t *testing.T) {
	debouncer, scheduler, syncer := newTestDebouncer(t, nil)

	debouncer.Trigger()
	result, ran := debouncer.Flush(context.Background())
	if !ran || !result.Success || len(syncer.runs) != 1 {
		t.Fatalf("expected immediate sync, got %+v ran=%v runs=%d", result, ran, len(syncer.runs))
	}
	scheduler.Advance(time.Minute)
	if len(syncer.runs) != 1 {
		t.Fatalf("flushed timer must not fire again, got %d runs", len(syncer.runs))
	}
}

func TestFlushWithoutScheduledSyncDoesNothing(t *testing.T) {
	debouncer, _, syncer := newTestDebouncer(t, nil)

	if _, ran := debouncer.Flush(context.Background()); ran {
		t.Fatalf("expected no sync when nothing is scheduled")
	}
	if len(syncer.runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(syncer.runs))
	}
}

func TestStopCancelsPendingSync(t *testing.T) {
	debouncer, scheduler, syncer := newTestDebouncer(t, nil)

	debouncer.Trigger()
	if !debouncer.Pending() {
		t.Fatalf("expected pending sync")
	}
	debouncer.Stop()
	scheduler.Advance(time.Minute)
	if len(syncer.runs) != 0 {
		t.Fatalf("stopped sync must not run")
	}
}
