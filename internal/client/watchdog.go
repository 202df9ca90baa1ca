package client

import (
	"sync"
	"time"
)

// Watchdog calls onStall once when no activity is recorded for timeout
// while armed. It stays quiet after firing until armed again.
type Watchdog struct {
	timeout time.Duration
	onStall func()
	now     func() time.Time

	mu    sync.Mutex
	timer *time.Timer
	armed bool
	last  time.Time
}

func NewWatchdog(timeout time.Duration, onStall func()) *Watchdog {
	return &Watchdog{timeout: timeout, onStall: onStall, now: time.Now}
}

// Arm starts watching. Arming an armed watchdog restarts the countdown.
func (w *Watchdog) Arm() {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.armed = true
	w.last = w.now()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, w.check)
		return
	}
	w.timer.Reset(w.timeout)
}

// RecordActivity pushes the stall deadline out by timeout.
func (w *Watchdog) RecordActivity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		w.last = w.now()
	}
}

// Disarm stops watching; a pending check will not fire.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watchdog) check() {
	w.mu.Lock()
	if !w.armed {
		w.mu.Unlock()
		return
	}
	if idle := w.now().Sub(w.last); idle < w.timeout {
		w.timer.Reset(w.timeout - idle)
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.mu.Unlock()

	w.onStall()
}
