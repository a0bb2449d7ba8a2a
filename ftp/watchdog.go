package ftp

import (
	"context"
	"sync"
	"time"
)

// Terminator is ended by the Watchdog once its deadline passes.
type Terminator interface {
	Terminate()
}

// WatchEntry links a Terminator into a Watchdog's deadline list.
// The zero value is unlinked; embed it in the watched object.
type WatchEntry struct {
	nextIdle     *WatchEntry
	previousIdle *WatchEntry
	deadline     time.Time
	target       Terminator
}

// linked reports whether the entry is in a list.
func (e *WatchEntry) linked() bool {
	return e.nextIdle != nil
}

func (e *WatchEntry) removeFromIdleList() {
	e.previousIdle.nextIdle = e.nextIdle
	e.nextIdle.previousIdle = e.previousIdle
	e.previousIdle = nil
	e.nextIdle = nil
}

// Watchdog terminates sessions that stay idle longer than Timeout.
//
// Every entry gets the same timeout, so appending refreshed entries at the
// tail keeps the list sorted by deadline and expiry only ever looks at the head.
type Watchdog struct {
	Timeout  time.Duration
	Interval time.Duration
	// OnExpire is called once per terminated entry, outside the lock.
	OnExpire func(Terminator)

	mu   sync.Mutex
	idle WatchEntry
	size int
	now  func() time.Time
}

// NewWatchdog returns a watchdog with an empty list.
func NewWatchdog(timeout, interval time.Duration) *Watchdog {
	w := &Watchdog{Timeout: timeout, Interval: interval, now: time.Now}
	w.idle.previousIdle = &w.idle
	w.idle.nextIdle = &w.idle
	return w
}

// insertIntoIdleList appends e at the tail with a fresh deadline. w.mu must be held.
func (w *Watchdog) insertIntoIdleList(e *WatchEntry) {
	e.deadline = w.now().Add(w.Timeout)
	e.previousIdle = w.idle.previousIdle
	e.nextIdle = &w.idle
	e.previousIdle.nextIdle = e
	e.nextIdle.previousIdle = e
}

// Register starts watching t through e. Registering a linked entry refreshes it.
func (w *Watchdog) Register(e *WatchEntry, t Terminator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.linked() {
		e.removeFromIdleList()
	} else {
		w.size++
	}
	e.target = t
	w.insertIntoIdleList(e)
}

// Refresh restarts the timeout of a registered entry. Unregistered entries are ignored.
func (w *Watchdog) Refresh(e *WatchEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !e.linked() {
		return
	}
	e.removeFromIdleList()
	w.insertIntoIdleList(e)
}

// Unregister stops watching e. It is safe to call more than once.
func (w *Watchdog) Unregister(e *WatchEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.linked() {
		e.removeFromIdleList()
		w.size--
	}
}

// Len returns the number of watched entries.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sweep unlinks every expired entry and terminates it. It returns how many were terminated.
func (w *Watchdog) Sweep() int {
	w.mu.Lock()
	now := w.now()
	var expired []Terminator
	for w.idle.nextIdle != &w.idle && !w.idle.nextIdle.deadline.After(now) {
		e := w.idle.nextIdle
		e.removeFromIdleList()
		w.size--
		expired = append(expired, e.target)
	}
	w.mu.Unlock()

	for _, t := range expired {
		t.Terminate()
		if w.OnExpire != nil {
			w.OnExpire(t)
		}
	}
	return len(expired)
}

// Run sweeps every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}
