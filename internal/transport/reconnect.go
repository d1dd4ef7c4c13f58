package transport

import (
	"sync"
	"time"
)

// Reconnector holds at most one scheduled reconnection attempt. The attempt
// is a plain timer task, so a failing retry never recurses into another one
// unless the caller explicitly schedules again.
type Reconnector struct {
	delay time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	stopped   bool
	scheduled int
}

func NewReconnector(delay time.Duration) *Reconnector {
	return &Reconnector{delay: delay}
}

// Schedule arms fn to run after the configured delay. It returns false if an
// attempt is already pending or the reconnector was stopped.
func (r *Reconnector) Schedule(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.timer != nil {
		return false
	}
	r.scheduled++
	var t *time.Timer
	t = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		if r.timer != t {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		fn()
	})
	r.timer = t
	return true
}

// Cancel clears a pending attempt.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stop cancels a pending attempt and refuses future ones.
func (r *Reconnector) Stop() {
	r.Cancel()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Pending reports whether an attempt is waiting to run.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Scheduled returns how many attempts were ever armed.
func (r *Reconnector) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}
